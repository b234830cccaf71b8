package spam

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClassifier struct {
	probability float64
	err         error
	calls       atomic.Int64
}

func (f *fakeClassifier) Classify(context.Context, string) (float64, error) {
	f.calls.Add(1)
	return f.probability, f.err
}

func TestDetect_EmptyAndShortTexts(t *testing.T) {
	clf := &fakeClassifier{}
	d := NewDetector(clf)

	for _, text := range []string{"", "  ", "ок", "a"} {
		v, err := d.Detect(context.Background(), text)
		require.NoError(t, err)
		assert.True(t, v.IsSpam, "text %q", text)
		assert.Equal(t, 1.0, v.Probability)
	}
	assert.Zero(t, clf.calls.Load(), "short texts never reach the model")
}

func TestDetect_StructuralOverride(t *testing.T) {
	clf := &fakeClassifier{}
	d := NewDetector(clf)

	v, err := d.Detect(context.Background(), "!!!КУПИ СЕЙЧАС http://x.y")
	require.NoError(t, err)

	assert.True(t, v.IsSpam)
	assert.GreaterOrEqual(t, v.Probability, 0.8)
	assert.Contains(t, v.Reason, "structural override")
	assert.Zero(t, clf.calls.Load(), "override skips the model")
}

func TestDetect_InvisiblePadding(t *testing.T) {
	clf := &fakeClassifier{}
	d := NewDetector(clf)

	// Braille padding plus promo keywords.
	text := "Скидки! Акции! Бесплатная доставка " + strings.Repeat("⠀", 10)
	v, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	assert.True(t, v.IsSpam)
	assert.Contains(t, v.Reason, "invisible_chars")
}

func TestDetect_CleanTextUsesModel(t *testing.T) {
	clf := &fakeClassifier{probability: 0.05}
	d := NewDetector(clf)

	v, err := d.Detect(context.Background(), "Не могу войти в личный кабинет, приложение выдает ошибку")
	require.NoError(t, err)

	assert.False(t, v.IsSpam)
	assert.Equal(t, int64(1), clf.calls.Load())
	assert.Less(t, v.Probability, 0.5)
}

func TestDetect_ModelPushesAmbiguousOverThreshold(t *testing.T) {
	clf := &fakeClassifier{probability: 0.95}
	d := NewDetector(clf)

	// Two URLs and a promo word: structural 0.25, model very sure.
	text := "Регистрация тут http://a.example и тут http://b.example всем привет давайте дружить"
	v, err := d.Detect(context.Background(), text)
	require.NoError(t, err)

	assert.True(t, v.IsSpam)
	assert.Equal(t, int64(1), clf.calls.Load())
}

func TestDetect_ClassifierErrorPropagates(t *testing.T) {
	clf := &fakeClassifier{err: errors.New("model unavailable")}
	d := NewDetector(clf)

	_, err := d.Detect(context.Background(), "обычный текст обращения в поддержку банка")
	assert.Error(t, err)
}

func TestDetect_URLOnlyText(t *testing.T) {
	clf := &fakeClassifier{}
	d := NewDetector(clf)

	// Nothing left after cleaning; two URLs alone are not enough.
	v, err := d.Detect(context.Background(), "http://a.example www.b.example")
	require.NoError(t, err)

	assert.False(t, v.IsSpam)
	assert.Zero(t, clf.calls.Load())
}

func TestStructuralScore_Signals(t *testing.T) {
	score, signals := structuralScore("посмотрите https://eur01.safelinks.protection.outlook.com/x")
	assert.Greater(t, score, 0.3)
	assert.Contains(t, strings.Join(signals, ","), "safelinks")

	score, signals = structuralScore("скидки, акции, бесплатно, распродажа для всех клиентов")
	assert.GreaterOrEqual(t, score, 0.4)
	assert.Contains(t, strings.Join(signals, ","), "promo_keywords")

	score, _ = structuralScore("не работает перевод средств между счетами")
	assert.Zero(t, score)
}

func TestCleanForModel(t *testing.T) {
	cleaned := cleanForModel("текст с ссылкой http://spam.example и⠀⠀ паддингом")
	assert.Equal(t, "текст с ссылкой и паддингом", cleaned)
}

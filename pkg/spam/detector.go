// Package spam combines cheap structural heuristics with an external
// classifier. The heuristics alone decide the obvious cases; the
// classifier is only consulted when the structure is ambiguous.
package spam

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Verdict is the spam decision for one ticket description.
type Verdict struct {
	IsSpam      bool    `json:"is_spam"`
	Probability float64 `json:"probability"`
	Reason      string  `json:"reason"`
}

// Classifier scores text with an external spam model. Probability is
// the model's spam likelihood in [0,1].
type Classifier interface {
	Classify(ctx context.Context, text string) (probability float64, err error)
}

const (
	// structuralOverride is the structural score at which the verdict
	// is spam without consulting the classifier.
	structuralOverride = 0.7

	// spamThreshold applies to the combined model+structural score.
	spamThreshold = 0.5

	modelWeight      = 0.4
	structuralWeight = 0.6
)

var (
	urlRE       = regexp.MustCompile(`(?i)https?://\S+|www\.\S+`)
	safelinksRE = regexp.MustCompile(`(?i)safelinks\.protection\.outlook`)
	// Braille padding, zero-width characters, BOM, NBSP.
	invisibleRE = regexp.MustCompile("[\u2800-\u28FF\u200B\u200C\u200D\uFEFF\u00A0]")
	promoRE     = regexp.MustCompile(`(?i)скидк|акци[яи]|промокод|распродаж|бесплатн|предложени|купи|срочно|sale|discount|promo|free|offer|buy now|limited|реклам|оптов|со склад|доставк|заказ|регистрац|минимальный заказ|специальные цены|выгодное предложение|день инвестора`)
	exclaimRE   = regexp.MustCompile(`!{2,}|!.*!.*!`)
	spacesRE    = regexp.MustCompile(`\s+`)
)

// Detector decides whether a ticket description is spam.
type Detector struct {
	classifier Classifier
}

func NewDetector(classifier Classifier) *Detector {
	return &Detector{classifier: classifier}
}

// Detect runs the layered check. Classifier failures only matter in the
// ambiguous band; structurally decided texts never touch the model.
func (d *Detector) Detect(ctx context.Context, text string) (*Verdict, error) {
	stripped := strings.TrimSpace(text)
	if len([]rune(stripped)) < 3 {
		return &Verdict{
			IsSpam:      true,
			Probability: 1.0,
			Reason:      fmt.Sprintf("too short (%d chars)", len([]rune(stripped))),
		}, nil
	}

	structScore, signals := structuralScore(stripped)
	signalStr := "none"
	if len(signals) > 0 {
		signalStr = strings.Join(signals, ", ")
	}

	if structScore >= structuralOverride {
		return &Verdict{
			IsSpam:      true,
			Probability: structScore,
			Reason:      fmt.Sprintf("structural override: %.2f [%s]", structScore, signalStr),
		}, nil
	}

	cleaned := cleanForModel(stripped)
	if len([]rune(cleaned)) < 3 {
		// Nothing but URLs and padding left.
		if structScore >= spamThreshold {
			return &Verdict{
				IsSpam:      true,
				Probability: structScore,
				Reason:      fmt.Sprintf("structural spam, cleaned text empty [%s]", signalStr),
			}, nil
		}
		return &Verdict{
			IsSpam:      false,
			Probability: structScore,
			Reason:      "cleaned text empty, low structural score",
		}, nil
	}

	modelProb, err := d.classifier.Classify(ctx, cleaned)
	if err != nil {
		return nil, fmt.Errorf("classifying text: %w", err)
	}

	combined := modelProb*modelWeight + structScore*structuralWeight
	if combined > 1 {
		combined = 1
	}

	return &Verdict{
		IsSpam:      combined >= spamThreshold,
		Probability: combined,
		Reason: fmt.Sprintf("model=%.3f, struct=%.2f [%s], combined=%.3f",
			modelProb, structScore, signalStr, combined),
	}, nil
}

// structuralScore accumulates spam signals in [0,1]: URL density,
// Outlook SafeLinks rewrites, invisible-character padding, promotional
// keywords.
func structuralScore(text string) (float64, []string) {
	var signals []string
	score := 0.0
	n := len([]rune(text))
	if n < 1 {
		n = 1
	}

	urls := urlRE.FindAllString(text, -1)
	if len(urls) > 0 {
		urlChars := 0
		for _, u := range urls {
			urlChars += len([]rune(u))
		}
		density := float64(urlChars) / float64(n)
		switch {
		case density > 0.3:
			score += 0.3
			signals = append(signals, fmt.Sprintf("url_density=%.0f%%", density*100))
		case len(urls) >= 2:
			score += 0.15
			signals = append(signals, fmt.Sprintf("urls=%d", len(urls)))
		default:
			score += 0.05
			signals = append(signals, fmt.Sprintf("urls=%d", len(urls)))
		}
	}

	if safelinksRE.MatchString(text) {
		score += 0.3
		signals = append(signals, "safelinks")
	}

	invisible := len(invisibleRE.FindAllString(text, -1))
	switch {
	case invisible > 5:
		score += 0.5
		signals = append(signals, fmt.Sprintf("invisible_chars=%d", invisible))
	case invisible > 0:
		score += 0.1
		signals = append(signals, fmt.Sprintf("invisible_chars=%d", invisible))
	}

	promoHits := len(promoRE.FindAllString(text, -1))
	switch {
	case promoHits >= 3:
		score += 0.4
		signals = append(signals, fmt.Sprintf("promo_keywords=%d", promoHits))
	case promoHits >= 1:
		score += 0.1
		signals = append(signals, fmt.Sprintf("promo_keywords=%d", promoHits))
	}

	if exclaimRE.MatchString(text) {
		score += 0.2
		signals = append(signals, "exclamations")
	}

	if ratio, letters := uppercaseRatio(text); letters >= 5 && ratio > 0.5 {
		score += 0.2
		signals = append(signals, fmt.Sprintf("caps=%.0f%%", ratio*100))
	}

	if score > 1 {
		score = 1
	}
	return score, signals
}

// uppercaseRatio reports the fraction of letters that are uppercase and
// the letter count. URLs are excluded so lowercase links do not dilute
// a shouted message.
func uppercaseRatio(text string) (float64, int) {
	stripped := urlRE.ReplaceAllString(text, " ")
	letters, upper := 0, 0
	for _, r := range stripped {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0, 0
	}
	return float64(upper) / float64(letters), letters
}

// cleanForModel strips URLs and invisible characters so the classifier
// sees only the human-readable body.
func cleanForModel(text string) string {
	text = urlRE.ReplaceAllString(text, " ")
	text = invisibleRE.ReplaceAllString(text, "")
	return strings.TrimSpace(spacesRE.ReplaceAllString(text, " "))
}

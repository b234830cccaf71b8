// Package llm is the port to the chat-completions provider. One call
// per ticket extracts type, language, sentiment, and summary from the
// scrubbed description; a second lightweight prompt backs the spam
// classifier. The package owns schema validation: whatever the model
// returns is checked and normalized before the pipeline sees it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fire-crm/fire/pkg/faults"
	"github.com/fire-crm/fire/pkg/models"
)

// Client talks to an OpenRouter-compatible chat-completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewClient(baseURL, apiKey, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  httpClient,
	}
}

// AnalyzeRequest carries the scrubbed ticket content. The raw
// description must never reach this package.
type AnalyzeRequest struct {
	ScrubbedText string
	Age          *int
	Attachments  []string
}

// AnalyzeResult is the validated model output merged into the Analysis
// by the orchestrator.
type AnalyzeResult struct {
	DetectedType        models.TicketType
	Language            string
	LanguageMixed       bool
	Sentiment           models.Sentiment
	SentimentConfidence float64
	Summary             string
	AnomalyFlags        []string
	NeedsDataChange     bool
}

const analysisSystemPrompt = "You are a precise ticket classification system for a financial broker in Kazakhstan. Return only valid JSON."

const analysisPromptTemplate = `Analyze the following customer support ticket and return a JSON object.

TICKET TEXT:
%s

%s
CLIENT AGE: %s

INSTRUCTIONS:
1. "detected_type" - exactly one of: "complaint" (unhappy about service), "data_change" (password reset, phone change, document update), "consultation" (question or information request), "claim" (formal claim, demanding money back, legal threats), "outage" (cannot log in, app errors, technical malfunction), "fraud" (unauthorized access, suspicious activity), "spam" (unsolicited promotional content; angry client messages are NOT spam).
2. "language" - primary language of the substantive content: "RU", "KZ", or "EN". Ignore signatures. Transliterated Cyrillic counts as its underlying language.
3. "is_mixed" - true if substantive content mixes several languages.
4. "sentiment" - "positive", "neutral", or "negative".
5. "sentiment_confidence" - confidence in the sentiment, 0.0 to 1.0.
6. "summary" - one or two sentences: what the client needs plus the recommended next action.
7. "anomaly_flags" - array of short strings for anything unusual (masked data, threats, empty body); empty array if nothing.
8. "needs_data_change" - true if the client needs personal data changed on the platform (phone, email, password, documents).

Placeholder tokens like ⟦PHONE:1⟧ replace personal data; treat them as opaque values and copy them verbatim if the summary needs them.

Respond with ONLY valid JSON:
{"detected_type": "...", "language": "...", "is_mixed": false, "sentiment": "...", "sentiment_confidence": 0.0, "summary": "...", "anomaly_flags": [], "needs_data_change": false}`

// Analyze classifies one scrubbed ticket. Invalid or malformed model
// output is a transient failure so the stage runner can retry it.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error) {
	age := "unknown"
	if req.Age != nil {
		age = fmt.Sprintf("%d", *req.Age)
	}
	attachmentContext := ""
	if len(req.Attachments) > 0 {
		attachmentContext = "ATTACHMENTS: " + strings.Join(req.Attachments, ", ") + "\n"
	}
	text := req.ScrubbedText
	if strings.TrimSpace(text) == "" {
		text = "(empty ticket body)"
	}

	prompt := fmt.Sprintf(analysisPromptTemplate, text, attachmentContext, age)

	content, err := c.chatJSON(ctx, analysisSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var raw struct {
		DetectedType        string   `json:"detected_type"`
		Language            string   `json:"language"`
		IsMixed             bool     `json:"is_mixed"`
		Sentiment           string   `json:"sentiment"`
		SentimentConfidence float64  `json:"sentiment_confidence"`
		Summary             string   `json:"summary"`
		AnomalyFlags        []string `json:"anomaly_flags"`
		NeedsDataChange     bool     `json:"needs_data_change"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, faults.Transientf("malformed analysis JSON: %w", err)
	}

	result := &AnalyzeResult{
		DetectedType:        models.TicketType(raw.DetectedType),
		Language:            normalizeLanguage(raw.Language),
		LanguageMixed:       raw.IsMixed,
		Sentiment:           models.Sentiment(raw.Sentiment),
		SentimentConfidence: raw.SentimentConfidence,
		Summary:             raw.Summary,
		AnomalyFlags:        raw.AnomalyFlags,
		NeedsDataChange:     raw.NeedsDataChange,
	}
	if err := validateResult(result); err != nil {
		return nil, faults.Transient(err)
	}

	// Data-change requests route to chiefs regardless of the labeled
	// type.
	if result.NeedsDataChange && result.DetectedType != models.TypeSpam {
		result.DetectedType = models.TypeDataChange
	}

	return result, nil
}

const spamSystemPrompt = "You estimate how likely a message is unsolicited spam. Return only valid JSON."

const spamPromptTemplate = `How likely is this message to be spam (unsolicited promotional or bot content, NOT an angry customer)?

MESSAGE:
%s

Respond with ONLY valid JSON: {"probability": 0.0}`

// Classify returns the model's spam probability for the text.
// Satisfies the spam package's Classifier interface.
func (c *Client) Classify(ctx context.Context, text string) (float64, error) {
	content, err := c.chatJSON(ctx, spamSystemPrompt, fmt.Sprintf(spamPromptTemplate, text))
	if err != nil {
		return 0, err
	}

	var raw struct {
		Probability float64 `json:"probability"`
	}
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return 0, faults.Transientf("malformed spam JSON: %w", err)
	}
	if raw.Probability < 0 || raw.Probability > 1 {
		return 0, faults.Transientf("spam probability %v out of range", raw.Probability)
	}
	return raw.Probability, nil
}

// chatJSON posts one chat-completions request and returns the message
// content. HTTP 429 and 5xx are transient; other non-200s permanent.
func (c *Client) chatJSON(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     0.1,
		"max_tokens":      1000,
		"response_format": map[string]string{"type": "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("encoding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", faults.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", faults.Cancelled(ctx.Err())
		}
		return "", faults.Transientf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("LLM request failed",
			"status", resp.StatusCode, "model", c.model, "body", string(snippet))
		return "", faults.FromHTTPStatus(resp.StatusCode,
			fmt.Errorf("llm request: status %d", resp.StatusCode))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", faults.Transientf("decoding completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", faults.Transientf("completion has no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

func validateResult(r *AnalyzeResult) error {
	if !models.ValidTicketType(r.DetectedType) {
		return fmt.Errorf("unknown detected_type %q", r.DetectedType)
	}
	switch r.Language {
	case models.LanguageRU, models.LanguageKZ, models.LanguageEN:
	default:
		return fmt.Errorf("unknown language %q", r.Language)
	}
	switch r.Sentiment {
	case models.SentimentPositive, models.SentimentNeutral, models.SentimentNegative:
	default:
		return fmt.Errorf("unknown sentiment %q", r.Sentiment)
	}
	if r.SentimentConfidence < 0 || r.SentimentConfidence > 1 {
		return fmt.Errorf("sentiment_confidence %v out of range", r.SentimentConfidence)
	}
	return nil
}

// normalizeLanguage maps common model variants onto the three labels.
func normalizeLanguage(lang string) string {
	switch strings.ToUpper(strings.TrimSpace(lang)) {
	case "RU", "RUS", "RUSSIAN":
		return models.LanguageRU
	case "KZ", "KAZ", "KAZAKH":
		return models.LanguageKZ
	case "EN", "ENG", "ENGLISH":
		return models.LanguageEN
	default:
		return strings.ToUpper(strings.TrimSpace(lang))
	}
}

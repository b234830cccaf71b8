// Package vault detects, tokenizes, and encrypts personally-identifying
// information in ticket text so no external service ever sees the
// originals, and restores them once the external round trip completes.
package vault

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/models"
)

// Vault scrubs PII out of text and rehydrates it later from stored
// bindings. Created once at startup; safe for concurrent use, all state
// lives in the returned bindings.
type Vault struct {
	crypt *cryptor
}

// New derives the encryption key from secret and compiles nothing:
// detection patterns are package-level and compiled at init.
func New(secret string) (*Vault, error) {
	crypt, err := newCryptor(secret)
	if err != nil {
		return nil, fmt.Errorf("initializing vault: %w", err)
	}
	return &Vault{crypt: crypt}, nil
}

// Scrub replaces every detected PII occurrence in text with a token of
// the form ⟦KIND:N⟧, where N counts occurrences of that kind within the
// ticket. Returns the scrubbed text and one binding per token, with the
// original value encrypted.
func (v *Vault) Scrub(ticketID uuid.UUID, text string) (string, []models.PIIBinding, error) {
	if text == "" {
		return "", nil, nil
	}

	detections := detect(text)
	if len(detections) == 0 {
		return text, nil, nil
	}

	counters := make(map[models.PIIKind]int)
	bindings := make([]models.PIIBinding, 0, len(detections))
	tokens := make([]string, len(detections))

	for i, d := range detections {
		counters[d.kind]++
		tokens[i] = Token(d.kind, counters[d.kind])

		encrypted, err := v.crypt.encrypt(d.value)
		if err != nil {
			return "", nil, fmt.Errorf("encrypting %s binding: %w", d.kind, err)
		}
		bindings = append(bindings, models.PIIBinding{
			TicketID:       ticketID,
			Token:          tokens[i],
			Kind:           d.kind,
			EncryptedValue: encrypted,
		})
	}

	// Stitch the text back together front to back, swapping each
	// detected span for its token. Detections are ordered by start
	// offset and non-overlapping.
	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for i, d := range detections {
		b.WriteString(text[prev:d.start])
		b.WriteString(tokens[i])
		prev = d.end
	}
	b.WriteString(text[prev:])

	slog.Debug("Scrubbed PII from ticket text",
		"ticket_id", ticketID, "bindings", len(bindings))

	return b.String(), bindings, nil
}

// Rehydrate replaces tokens in text with their decrypted originals.
// Tokens are applied longest first so ⟦PHONE:1⟧ can never clip
// ⟦PHONE:10⟧. Unknown tokens are left in place.
func (v *Vault) Rehydrate(text string, bindings []models.PIIBinding) (string, error) {
	if text == "" || len(bindings) == 0 {
		return text, nil
	}

	ordered := make([]models.PIIBinding, len(bindings))
	copy(ordered, bindings)
	sort.Slice(ordered, func(i, j int) bool {
		return len(ordered[i].Token) > len(ordered[j].Token)
	})

	result := text
	for _, binding := range ordered {
		if !strings.Contains(result, binding.Token) {
			continue
		}
		original, err := v.crypt.decrypt(binding.EncryptedValue)
		if err != nil {
			return "", fmt.Errorf("rehydrating %s: %w", binding.Token, err)
		}
		result = strings.ReplaceAll(result, binding.Token, original)
	}
	return result, nil
}

// Token builds the scrub token for the n-th occurrence of a kind.
func Token(kind models.PIIKind, n int) string {
	return fmt.Sprintf("⟦%s:%d⟧", strings.ToUpper(string(kind)), n)
}

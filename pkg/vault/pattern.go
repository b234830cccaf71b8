package vault

import (
	"regexp"
	"sort"
	"strings"

	"github.com/fire-crm/fire/pkg/models"
)

// detection is a single PII occurrence found in text.
type detection struct {
	start int
	end   int
	value string
	kind  models.PIIKind
}

// kindPattern pairs a compiled regex with the PII kind it detects and the
// capture group holding the PII value (0 = whole match). Boundary groups
// stand in for lookarounds, which RE2 does not support.
type kindPattern struct {
	kind  models.PIIKind
	regex *regexp.Regexp
	group int
}

// Detection order is precedence order: card numbers before national IDs
// before phones, so a 16-digit card is never carved up into shorter
// numeric matches. Names go last and never override a regex hit.
var kindPatterns = []kindPattern{
	{
		// 16 digits, optional space/dash separators every 4.
		kind:  models.PIICard,
		regex: regexp.MustCompile(`(^|[^0-9])([0-9]{4}[ \-]?[0-9]{4}[ \-]?[0-9]{4}[ \-]?[0-9]{4})($|[^0-9])`),
		group: 2,
	},
	{
		// Kazakhstan IIN: exactly 12 digits, not part of a longer run.
		kind:  models.PIINationalID,
		regex: regexp.MustCompile(`(^|[^0-9])([0-9]{12})($|[^0-9])`),
		group: 2,
	},
	{
		// +7/8 prefixed numbers with common separators, plus partially
		// masked forms like +7XXXXXXXXX46.
		kind:  models.PIIPhone,
		regex: regexp.MustCompile(`(?:\+7|8)[ \-]?\(?[0-9]{3}\)?[ \-]?[0-9]{3}[ \-]?[0-9]{2}[ \-]?[0-9]{2}|(?:\+7|8)[0-9]{10}|(?:\+7|8)[0-9ХхXx \-]{8,12}[0-9]{0,2}`),
		group: 0,
	},
	{
		kind:  models.PIIEmail,
		regex: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		group: 0,
	},
}

// Two consecutive capitalized words. Cyrillic and Latin both count.
var namePattern = regexp.MustCompile(`(^|[^\p{Lu}\p{Ll}])(\p{Lu}\p{Ll}{1,20}[ ]+\p{Lu}\p{Ll}{1,25})($|[^\p{Ll}])`)

// Bigrams that match the name shape but are not names. Greetings,
// company names, common financial phrases.
var nameIgnore = map[string]struct{}{
	"добрый день":           {},
	"добрый вечер":          {},
	"доброе утро":           {},
	"уважаемые коллеги":     {},
	"уважаемый клиент":      {},
	"подскажите пожалуйста": {},
	"хочу узнать":           {},
	"прошу вас":             {},
	"freedom broker":        {},
	"freedom finance":       {},
	"money advisor":         {},
	"московская биржа":      {},
	"брокерский счет":       {},
	"брокерские услуги":     {},
}

// detect finds all PII occurrences in text, resolves overlaps by
// precedence, and returns detections sorted by position.
func detect(text string) []detection {
	var found []detection

	for _, kp := range kindPatterns {
		for _, m := range kp.regex.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*kp.group], m[2*kp.group+1]
			if start < 0 || overlaps(start, end, found) {
				continue
			}
			found = append(found, detection{
				start: start,
				end:   end,
				value: text[start:end],
				kind:  kp.kind,
			})
		}
	}

	for _, m := range namePattern.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[4], m[5]
		if start < 0 || overlaps(start, end, found) {
			continue
		}
		candidate := text[start:end]
		if _, skip := nameIgnore[strings.ToLower(candidate)]; skip {
			continue
		}
		found = append(found, detection{
			start: start,
			end:   end,
			value: candidate,
			kind:  models.PIIName,
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })
	return found
}

func overlaps(start, end int, existing []detection) bool {
	for _, d := range existing {
		if start < d.end && end > d.start {
			return true
		}
	}
	return false
}

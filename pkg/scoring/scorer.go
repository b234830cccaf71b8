// Package scoring computes ticket priority. The scorer is a pure
// function over the ticket, its analysis, and batch context; every term
// lands in the breakdown so an operator can reconstruct any score.
package scoring

import (
	"strings"

	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/models"
)

// Breakdown keys.
const (
	KeySegment    = "segment"
	KeyType       = "type"
	KeySentiment  = "sentiment"
	KeyAge        = "age"
	KeyRepeat     = "repeat"
	KeyBase       = "base"
	KeyFIFO       = "fifo"
	KeyExpansion  = "expansion"
	KeyYoungVIP   = "young_vip"
	KeyFraudFloor = "fraud_floor_applied"
	KeyFinal      = "final"
)

// Input carries the batch context a single ticket cannot know about.
type Input struct {
	Ticket   *models.Ticket
	Analysis *models.Analysis

	// RepeatCount is how many tickets in the batch share this
	// ticket's customer identifier.
	RepeatCount int

	// BatchSize is the total row count of the batch, for the FIFO
	// bonus.
	BatchSize int
}

// Result splits the final priority into its base, additive extras, and
// the per-term breakdown persisted with the analysis.
type Result struct {
	Base      float64
	Extra     float64
	Final     float64
	Breakdown models.ScoreMap
}

type Scorer struct {
	cfg *config.ScoringConfig
}

func New(cfg *config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score is deterministic: equal inputs always produce equal results.
func (s *Scorer) Score(in Input) Result {
	segment := tableScore(s.cfg.SegmentScores, string(in.Ticket.Segment), s.cfg.SegmentScores[string(models.SegmentMass)])
	ticketType := tableScore(s.cfg.TypeScores, string(in.Analysis.DetectedType), s.cfg.TypeScores[string(models.TypeConsultation)])
	sentiment := tableScore(s.cfg.SentimentScores, string(in.Analysis.Sentiment), s.cfg.SentimentScores[string(models.SentimentNeutral)])
	age := s.ageScore(in.Ticket.Age)
	repeat := s.repeatScore(in.RepeatCount)

	base := 10 * (s.cfg.SegmentWeight*segment +
		s.cfg.TypeWeight*ticketType +
		s.cfg.SentimentWeight*sentiment +
		s.cfg.AgeWeight*age +
		s.cfg.RepeatWeight*repeat)

	fifo := fifoScore(in.Ticket.RowIndex, in.BatchSize)

	expansion := 0.0
	if s.isExpansion(in.Ticket.Country) {
		expansion = 1.0
	}

	youngVIP := 0.0
	if in.Ticket.Segment == models.SegmentVIP &&
		in.Ticket.Age != nil && *in.Ticket.Age < s.cfg.YoungVIPAgeMax {
		youngVIP = 1.0
	}

	final := clamp(base+fifo+expansion+youngVIP, 1.0, 10.0)

	floorApplied := 0.0
	if in.Analysis.DetectedType == models.TypeFraud && final < s.cfg.FraudFloor {
		final = s.cfg.FraudFloor
		floorApplied = 1.0
	}

	return Result{
		Base:  base,
		Extra: fifo + expansion + youngVIP,
		Final: final,
		Breakdown: models.ScoreMap{
			KeySegment:    s.cfg.SegmentWeight * segment,
			KeyType:       s.cfg.TypeWeight * ticketType,
			KeySentiment:  s.cfg.SentimentWeight * sentiment,
			KeyAge:        s.cfg.AgeWeight * age,
			KeyRepeat:     s.cfg.RepeatWeight * repeat,
			KeyBase:       base,
			KeyFIFO:       fifo,
			KeyExpansion:  expansion,
			KeyYoungVIP:   youngVIP,
			KeyFraudFloor: floorApplied,
			KeyFinal:      final,
		},
	}
}

// tableScore resolves key against a config score table, using fallback
// for values the table does not name.
func tableScore(table map[string]float64, key string, fallback float64) float64 {
	if score, ok := table[key]; ok {
		return score
	}
	return fallback
}

func (s *Scorer) ageScore(age *int) float64 {
	switch {
	case age == nil:
		return s.cfg.AgeMiddleScore
	case *age < s.cfg.AgeYoungMax:
		return s.cfg.AgeYoungScore
	case *age >= s.cfg.AgeSeniorMin:
		return s.cfg.AgeSeniorScore
	default:
		return s.cfg.AgeMiddleScore
	}
}

func (s *Scorer) repeatScore(count int) float64 {
	if count <= 0 {
		return 0
	}
	score := float64(count) / float64(s.cfg.RepeatSaturation)
	if score > 1 {
		return 1
	}
	return score
}

func (s *Scorer) isExpansion(country string) bool {
	country = strings.TrimSpace(country)
	if country == "" || strings.EqualFold(country, s.cfg.HomeCountry) {
		return false
	}
	for _, c := range s.cfg.ExpansionCountries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

// fifoScore rewards earlier rows: the first row of a batch gets the
// full point, the last gets zero.
func fifoScore(rowIndex, batchSize int) float64 {
	if batchSize <= 1 {
		return 1.0
	}
	score := 1.0 - float64(rowIndex)/float64(batchSize-1)
	return clamp(score, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

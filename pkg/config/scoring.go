package config

// ScoringConfig holds the priority-scoring weights and component tables.
// Weights apply to component functions mapping their domain into [0,1];
// the weighted sum is scaled by 10 and bounded extras are added on top.
type ScoringConfig struct {
	// Weights of the base score components. Their sum plus Reserved
	// should be 1.0.
	SegmentWeight   float64 `yaml:"segment_weight" validate:"min=0,max=1"`
	TypeWeight      float64 `yaml:"type_weight" validate:"min=0,max=1"`
	SentimentWeight float64 `yaml:"sentiment_weight" validate:"min=0,max=1"`
	AgeWeight       float64 `yaml:"age_weight" validate:"min=0,max=1"`
	RepeatWeight    float64 `yaml:"repeat_weight" validate:"min=0,max=1"`
	Reserved        float64 `yaml:"reserved" validate:"min=0,max=1"`

	// Component tables, domain → [0,1]. Tunable rather than hard-coded
	// because the exact mappings are policy, not algorithm.
	SegmentScores   map[string]float64 `yaml:"segment_scores"`
	TypeScores      map[string]float64 `yaml:"type_scores"`
	SentimentScores map[string]float64 `yaml:"sentiment_scores"`

	// Age bands: under AgeYoungMax → AgeYoungScore, AgeSeniorMin and
	// above → AgeSeniorScore, otherwise (and when age is unknown)
	// AgeMiddleScore.
	AgeYoungMax    int     `yaml:"age_young_max"`
	AgeSeniorMin   int     `yaml:"age_senior_min"`
	AgeYoungScore  float64 `yaml:"age_young_score"`
	AgeMiddleScore float64 `yaml:"age_middle_score"`
	AgeSeniorScore float64 `yaml:"age_senior_score"`

	// RepeatSaturation is the ticket count at which the repeat-client
	// component reaches 1.0.
	RepeatSaturation int `yaml:"repeat_saturation" validate:"min=1"`

	// FraudFloor is the minimum final priority for fraud tickets.
	FraudFloor float64 `yaml:"fraud_floor"`

	// Expansion-country bonus configuration.
	HomeCountry        string   `yaml:"home_country"`
	ExpansionCountries []string `yaml:"expansion_countries"`

	// YoungVIPAgeMax caps the age for the young-VIP bonus.
	YoungVIPAgeMax int `yaml:"young_vip_age_max"`
}

// DefaultScoringConfig returns the built-in scoring defaults.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		SegmentWeight:   0.30,
		TypeWeight:      0.25,
		SentimentWeight: 0.15,
		AgeWeight:       0.10,
		RepeatWeight:    0.07,
		Reserved:        0.13,
		SegmentScores: map[string]float64{
			"VIP":      1.0,
			"Priority": 0.66,
			"Mass":     0.25,
		},
		TypeScores: map[string]float64{
			"fraud":        1.0,
			"outage":       0.9,
			"claim":        0.7,
			"data_change":  0.6,
			"complaint":    0.5,
			"consultation": 0.2,
			"spam":         0.0,
		},
		SentimentScores: map[string]float64{
			"negative": 1.0,
			"neutral":  0.4,
			"positive": 0.1,
		},
		AgeYoungMax:        25,
		AgeSeniorMin:       60,
		AgeYoungScore:      0.8,
		AgeMiddleScore:     0.4,
		AgeSeniorScore:     0.9,
		RepeatSaturation:   5,
		FraudFloor:         8.0,
		HomeCountry:        "Kazakhstan",
		ExpansionCountries: []string{"Uzbekistan", "Kyrgyzstan", "Azerbaijan"},
		YoungVIPAgeMax:     30,
	}
}

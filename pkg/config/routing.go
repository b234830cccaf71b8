package config

// RoutingConfig controls the assignment algorithm: geo-filter bounds,
// the skill relaxation order, and per-type difficulty weights.
type RoutingConfig struct {
	// GeoSlack multiplies the closest-office distance to form the
	// geo-filter radius.
	GeoSlack float64 `yaml:"geo_slack" validate:"min=1"`

	// GeoMinRadiusKM is the floor of the geo-filter radius, so tickets
	// near an office still have more than one candidate pool.
	GeoMinRadiusKM float64 `yaml:"geo_min_radius_km" validate:"min=0"`

	// RelaxationOrder lists the skill requirements dropped, in order,
	// when the candidate set becomes empty. Known values: "language",
	// "position", "vip".
	RelaxationOrder []string `yaml:"relaxation_order"`

	// DifficultyWeights maps ticket type → committed-load increment.
	DifficultyWeights map[string]float64 `yaml:"difficulty_weights"`
	DefaultDifficulty float64            `yaml:"default_difficulty" validate:"min=0"`
}

// DefaultRoutingConfig returns the built-in routing defaults.
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		GeoSlack:        1.5,
		GeoMinRadiusKM:  50,
		RelaxationOrder: []string{"language", "position", "vip"},
		DifficultyWeights: map[string]float64{
			"complaint":    1,
			"data_change":  1,
			"consultation": 1,
			"claim":        1,
			"outage":       1,
			"fraud":        1,
		},
		DefaultDifficulty: 1,
	}
}

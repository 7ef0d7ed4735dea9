package weather

// BlackIceThresholds configures the black-ice risk heuristic. Risk is flagged
// when the temperature is at or below MaxTempF, the temperature/dew-point
// spread is at or below SpreadF, and humidity is at or above MinHumidityPct.
type BlackIceThresholds struct {
	Enabled        bool
	MaxTempF       float64
	SpreadF        float64
	MinHumidityPct float64
}

// DefaultBlackIceThresholds returns the standard detection thresholds.
func DefaultBlackIceThresholds() BlackIceThresholds {
	return BlackIceThresholds{
		Enabled:        true,
		MaxTempF:       36,
		SpreadF:        4,
		MinHumidityPct: 80,
	}
}

// Evaluate derives black-ice risk from current conditions. Missing inputs
// mean no risk can be established.
func (t BlackIceThresholds) Evaluate(c Current) bool {
	if !t.Enabled {
		return false
	}
	if c.TemperatureF == nil || c.DewPointF == nil || c.HumidityPct == nil {
		return false
	}
	if *c.TemperatureF > t.MaxTempF {
		return false
	}
	if *c.TemperatureF-*c.DewPointF > t.SpreadF {
		return false
	}
	return *c.HumidityPct >= t.MinHumidityPct
}

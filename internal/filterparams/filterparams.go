// Package filterparams carries per-request filter parameters across
// worker process boundaries through the FILTER_PARAMS environment
// variable. The Coordinator publishes the request document; filters
// read it at construction. Keys are namespaced per filter.
package filterparams

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// EnvVar is the ambient channel the parameter document travels on.
const EnvVar = "FILTER_PARAMS"

// SupportResistanceParams is the support_resistance namespace.
type SupportResistanceParams struct {
	MinSupportStrength    float64 `json:"min_support_strength"`
	MinResistanceStrength float64 `json:"min_resistance_strength"`
	MinTouchCount         int     `json:"min_touch_count"`
	MaxDistancePct        float64 `json:"max_distance_pct"`
	TolerancePct          float64 `json:"tolerance_pct"`
	FractalWindow         int     `json:"fractal_window"`
}

// Params is the full namespaced document. New namespaces extend this
// struct without changing the plumbing.
type Params struct {
	SupportResistance SupportResistanceParams `json:"support_resistance"`
}

// Defaults returns the compiled default parameter set.
func Defaults() Params {
	return Params{
		SupportResistance: SupportResistanceParams{
			MinSupportStrength:    0.5,
			MinResistanceStrength: 0.5,
			MinTouchCount:         2,
			MaxDistancePct:        0.10,
			TolerancePct:          0.02,
			FractalWindow:         5,
		},
	}
}

// Load reads FILTER_PARAMS from the process environment. A present
// value overrides the default field-wise; absent values keep defaults;
// a malformed document behaves exactly as an absent one, logging one
// warning.
func Load() Params {
	return parse(os.Getenv(EnvVar))
}

func parse(raw string) Params {
	params := Defaults()
	if raw == "" {
		return params
	}

	// Decoding over the prefilled struct leaves absent keys at their
	// defaults.
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		log.Printf("[filterparams] malformed %s, using defaults: %v", EnvVar, err)
		return Defaults()
	}

	if err := params.Validate(); err != nil {
		log.Printf("[filterparams] invalid %s, using defaults: %v", EnvVar, err)
		return Defaults()
	}
	return params
}

// Validate checks every documented range.
func (p Params) Validate() error {
	sr := p.SupportResistance
	if sr.MinSupportStrength < 0 || sr.MinSupportStrength > 1 {
		return fmt.Errorf("support_resistance.min_support_strength %v outside [0, 1]", sr.MinSupportStrength)
	}
	if sr.MinResistanceStrength < 0 || sr.MinResistanceStrength > 1 {
		return fmt.Errorf("support_resistance.min_resistance_strength %v outside [0, 1]", sr.MinResistanceStrength)
	}
	if sr.MinTouchCount < 1 {
		return fmt.Errorf("support_resistance.min_touch_count %d below 1", sr.MinTouchCount)
	}
	if sr.MaxDistancePct <= 0 || sr.MaxDistancePct > 1 {
		return fmt.Errorf("support_resistance.max_distance_pct %v outside (0, 1]", sr.MaxDistancePct)
	}
	if sr.TolerancePct <= 0 || sr.TolerancePct >= 1 {
		return fmt.Errorf("support_resistance.tolerance_pct %v outside (0, 1)", sr.TolerancePct)
	}
	if sr.FractalWindow < 3 {
		return fmt.Errorf("support_resistance.fractal_window %d below 3", sr.FractalWindow)
	}
	return nil
}

// Publish writes the document to the process environment so child
// workers inherit it. An empty document clears the variable.
func Publish(doc string) error {
	if doc == "" {
		return os.Unsetenv(EnvVar)
	}
	return os.Setenv(EnvVar, doc)
}

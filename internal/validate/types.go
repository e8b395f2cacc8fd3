package validate

import "fmt"

// #region config
// Config holds proposal policy bounds.
type Config struct {
	MinDescriptionLength int     `yaml:"min_description_length" validate:"gte=1"`
	MinDelta             float64 `yaml:"min_delta" validate:"lte=0"`
	MaxDelta             float64 `yaml:"max_delta" validate:"gte=0"`
	LargeImpactWarning   float64 `yaml:"large_impact_warning" validate:"gte=0"`
}

// DefaultConfig returns the standard policy bounds.
func DefaultConfig() Config {
	return Config{
		MinDescriptionLength: 10,
		MinDelta:             -30,
		MaxDelta:             50,
		LargeImpactWarning:   25,
	}
}
// #endregion config

// #region result
// Result is the outcome of validating a proposal. Errors block; warnings do not.
type Result struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Violation is a broken invariant on a document.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Strings renders violations for rejection reasons.
func Strings(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.String())
	}
	return out
}
// #endregion result

package index

import (
	"fmt"
	"regexp"

	"github.com/AGIHouse/openscience/distance"
	"github.com/AGIHouse/openscience/model"
)

var schemeNameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@-]{0,127}$`)

// SchemeConfig describes one embedding scheme.
type SchemeConfig struct {
	Name           string          `json:"name" yaml:"name"`
	Dimension      int             `json:"dimension" yaml:"dimension"`
	Metric         distance.Metric `json:"metric" yaml:"metric"`
	M              int             `json:"m,omitempty" yaml:"m"`
	EfConstruction int             `json:"ef_construction,omitempty" yaml:"ef_construction"`
	EfSearch       int             `json:"ef_search,omitempty" yaml:"ef_search"`
	Seed           int64           `json:"seed,omitempty" yaml:"seed"`
}

// Scheme defaults.
const (
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEfSearch       = 64
	DefaultSeed           = 42
)

// WithDefaults fills zero tuning fields.
func (c SchemeConfig) WithDefaults() SchemeConfig {
	if c.M == 0 {
		c.M = DefaultM
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = DefaultEfSearch
	}
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
	return c
}

// Validate checks the configuration.
func (c SchemeConfig) Validate() error {
	if !schemeNameRE.MatchString(c.Name) {
		return model.Invalid("scheme", fmt.Sprintf("invalid scheme name %q", c.Name))
	}
	if c.Dimension <= 0 {
		return model.Invalid("dimension", fmt.Sprintf("dimension must be positive, got %d", c.Dimension))
	}
	if _, err := distance.Provider(c.Metric); err != nil {
		return model.Invalid("metric", err.Error())
	}
	if c.M < 0 || c.EfConstruction < 0 || c.EfSearch < 0 {
		return model.Invalid("scheme", "negative tuning parameter")
	}
	return nil
}

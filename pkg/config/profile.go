package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named kernel configuration loaded from YAML. It controls
// the optional gates and the proposal rate limit. Validity.DefaultTTL is
// carried as data only; no mandate helper reads it.
type Profile struct {
	Name  string `yaml:"name" json:"name"`
	Gates struct {
		Resource bool `yaml:"resource" json:"resource"`
		Budget   bool `yaml:"budget" json:"budget"`
	} `yaml:"gates" json:"gates"`
	RateLimit struct {
		RPS   float64 `yaml:"rps" json:"rps"`
		Burst int     `yaml:"burst" json:"burst"`
	} `yaml:"rate_limit" json:"rate_limit"`
	Validity struct {
		DefaultTTL Duration `yaml:"default_ttl" json:"default_ttl"`
	} `yaml:"validity" json:"validity"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "90s" or "1h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultProfile returns the profile used when none is configured:
// every optional gate on, no rate limit, 24h mandate TTL.
func DefaultProfile() *Profile {
	p := &Profile{Name: "default"}
	p.Gates.Resource = true
	p.Gates.Budget = true
	p.Validity.DefaultTTL = Duration(24 * time.Hour)
	return p
}

// LoadProfile reads a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile read failed: %w", err)
	}

	p := DefaultProfile()
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("profile parse failed: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("profile %s: missing name", path)
	}
	return p, nil
}

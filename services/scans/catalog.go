package scans

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TargetPlaceholder is substituted with the scan target in phase commands.
const TargetPlaceholder = "{TARGET}"

// Phase is one scanner invocation in a scan. Weight apportions the phase's
// share of the 0-100 progress range.
type Phase struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Weight  int           `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML accepts Go duration strings ("5m", "90s") for the timeout.
func (p *Phase) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name    string `yaml:"name"`
		Command string `yaml:"command"`
		Weight  int    `yaml:"weight"`
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.Command = raw.Command
	p.Weight = raw.Weight
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("phase %q: invalid timeout: %w", raw.Name, err)
		}
		p.Timeout = d
	}
	return nil
}

// Catalog describes the ordered scanner phases a scan runs.
type Catalog struct {
	Phases []Phase `yaml:"phases"`
}

// LoadCatalog reads and validates a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scanner catalog: %w", err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse scanner catalog: %w", err)
	}
	if err := catalog.validate(); err != nil {
		return nil, fmt.Errorf("scanner catalog %s: %w", path, err)
	}
	return &catalog, nil
}

// DefaultCatalog returns the built-in two-phase catalog used when no catalog
// file is configured.
func DefaultCatalog() *Catalog {
	return &Catalog{Phases: []Phase{
		{Name: "subdomains", Command: "python3 scanners/subdomain_enum.py " + TargetPlaceholder, Weight: 50, Timeout: 10 * time.Minute},
		{Name: "ports", Command: "python3 scanners/port_scan.py " + TargetPlaceholder, Weight: 50, Timeout: 10 * time.Minute},
	}}
}

func (c *Catalog) validate() error {
	if len(c.Phases) == 0 {
		return errors.New("at least one phase is required")
	}

	seen := make(map[string]struct{}, len(c.Phases))
	total := 0
	for i, phase := range c.Phases {
		if strings.TrimSpace(phase.Name) == "" {
			return fmt.Errorf("phase %d: name is required", i)
		}
		if _, dup := seen[phase.Name]; dup {
			return fmt.Errorf("phase %q: duplicate name", phase.Name)
		}
		seen[phase.Name] = struct{}{}

		if !strings.Contains(phase.Command, TargetPlaceholder) {
			return fmt.Errorf("phase %q: command must contain %s", phase.Name, TargetPlaceholder)
		}
		if phase.Weight <= 0 {
			return fmt.Errorf("phase %q: weight must be positive", phase.Name)
		}
		total += phase.Weight
	}
	if total != 100 {
		return fmt.Errorf("phase weights must sum to 100, got %d", total)
	}
	return nil
}

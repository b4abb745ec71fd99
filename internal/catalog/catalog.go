// Package catalog provides the read-only slide/phase content the core
// consumes: slide lookup, phase lookup, investment budgets, and the option
// tables keyed by interactive data key. Content is static configuration
// loaded from YAML at startup.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// Catalog is the loaded game content.
type Catalog struct {
	slides map[string]models.Slide
	phases map[string]models.GamePhaseNode

	investmentBudgets   map[string]float64
	investmentOptions   map[string][]models.InvestmentOption
	challengeOptions    map[string][]models.ChallengeOption
	allowedCombinations map[string][][]string
}

type fileFormat struct {
	Slides                 []models.Slide                       `yaml:"slides"`
	Phases                 []models.GamePhaseNode               `yaml:"phases"`
	InvestmentPhaseBudgets map[string]float64                   `yaml:"investment_phase_budgets"`
	InvestmentOptions      map[string][]models.InvestmentOption `yaml:"investment_options"`
	ChallengeOptions       map[string][]models.ChallengeOption  `yaml:"challenge_options"`
	AllowedCombinations    map[string][][]string                `yaml:"allowed_combinations"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{
		slides:              make(map[string]models.Slide, len(file.Slides)),
		phases:              make(map[string]models.GamePhaseNode, len(file.Phases)),
		investmentBudgets:   file.InvestmentPhaseBudgets,
		investmentOptions:   file.InvestmentOptions,
		challengeOptions:    file.ChallengeOptions,
		allowedCombinations: file.AllowedCombinations,
	}
	if c.investmentBudgets == nil {
		c.investmentBudgets = map[string]float64{}
	}

	for _, slide := range file.Slides {
		if _, dup := c.slides[slide.ID]; dup {
			return nil, fmt.Errorf("duplicate slide id %q", slide.ID)
		}
		c.slides[slide.ID] = slide
	}
	for _, phase := range file.Phases {
		if _, dup := c.phases[phase.ID]; dup {
			return nil, fmt.Errorf("duplicate phase id %q", phase.ID)
		}
		c.phases[phase.ID] = phase
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) validate() error {
	for _, phase := range c.phases {
		for _, slideID := range phase.SlideIDs {
			if _, ok := c.slides[slideID]; !ok {
				return fmt.Errorf("phase %q references unknown slide %q", phase.ID, slideID)
			}
		}
	}

	// Report letters are stored explicitly; the display-name prefix is only
	// checked for agreement so a mislabeled catalog is caught at load, not
	// at decision time.
	for key, options := range c.investmentOptions {
		for _, option := range options {
			derived := DeriveLetter(option.Name)
			if option.ReportLetter != "" && derived != "" && option.ReportLetter != derived {
				return fmt.Errorf("option %q in %q: stored report letter %q disagrees with name prefix %q",
					option.ID, key, option.ReportLetter, derived)
			}
		}
	}

	for key, combos := range c.allowedCombinations {
		options := c.challengeOptions[key]
		known := make(map[string]bool, len(options))
		for _, option := range options {
			known[option.ID] = true
		}
		for _, combo := range combos {
			for _, id := range combo {
				if !known[id] {
					return fmt.Errorf("allowed combination for %q references unknown option %q", key, id)
				}
			}
		}
	}
	return nil
}

// SlideCount reports how many slides are loaded.
func (c *Catalog) SlideCount() int { return len(c.slides) }

// PhaseCount reports how many phases are loaded.
func (c *Catalog) PhaseCount() int { return len(c.phases) }

// SlideByID looks up a slide.
func (c *Catalog) SlideByID(id string) (models.Slide, bool) {
	slide, ok := c.slides[id]
	return slide, ok
}

// PhaseByID looks up a phase.
func (c *Catalog) PhaseByID(id string) (models.GamePhaseNode, bool) {
	phase, ok := c.phases[id]
	return phase, ok
}

// InvestmentBudget returns the budget for an investment phase.
func (c *Catalog) InvestmentBudget(phaseID string) (float64, bool) {
	budget, ok := c.investmentBudgets[phaseID]
	return budget, ok
}

// InvestmentOptions returns the option table for an interactive data key.
func (c *Catalog) InvestmentOptions(dataKey string) []models.InvestmentOption {
	return c.investmentOptions[dataKey]
}

// ChallengeOptions returns the option table for an interactive data key.
func (c *Catalog) ChallengeOptions(dataKey string) []models.ChallengeOption {
	return c.challengeOptions[dataKey]
}

// AllowedCombinations returns the multi-select whitelist for a challenge
// key, or nil when the challenge is single-select.
func (c *Catalog) AllowedCombinations(dataKey string) [][]string {
	return c.allowedCombinations[dataKey]
}

// DeriveLetter extracts the leading letter from an option display name of
// the form "A. Strategic Plan" or "B) Overtime". Returns "" when the name
// has no such prefix. Retained only as a load-time consistency check for
// the stored report letter.
func DeriveLetter(name string) string {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) < 2 {
		return ""
	}
	first := trimmed[0]
	if first < 'A' || first > 'Z' {
		return ""
	}
	switch trimmed[1] {
	case '.', ')', ':':
		return string(first)
	}
	return ""
}

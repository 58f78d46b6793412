package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/matching"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/savings"
)

// Settings are the tunables of the analysis engine, read from one YAML
// file with top-level keys policy, matcher and plan.
type Settings struct {
	Policy  *detection.Policy `yaml:"policy"`
	Matcher matching.Options  `yaml:"matcher"`
	// Plan is used when a case is analyzed without plan parameters.
	Plan *savings.PlanParams `yaml:"plan"`
}

// DefaultSettings returns the compiled-in settings.
func DefaultSettings() *Settings {
	return &Settings{
		Policy:  detection.DefaultPolicy(),
		Matcher: matching.DefaultOptions(),
	}
}

// LoadSettings reads a settings file over the defaults. An empty path
// returns the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings file %s: %w", path, err)
	}
	return s, nil
}

func (s *Settings) Validate() error {
	if s.Policy == nil {
		s.Policy = detection.DefaultPolicy()
	}
	if err := s.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if err := s.Matcher.Validate(); err != nil {
		return fmt.Errorf("matcher: %w", err)
	}
	if s.Plan != nil {
		if err := s.Plan.Validate(); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	return nil
}

// Deps builds the engine collaborators the settings describe. Extractors,
// ledger, publisher and logger are left for the caller.
func (s *Settings) Deps() Deps {
	return Deps{
		Matcher: matching.New(s.Matcher),
		Engine:  detection.NewEngine(s.Policy),
	}
}

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"histoquant/pkg/domain"
)

// Load reads and validates a quantification config. Unknown keys are
// rejected so a typoed option fails the run instead of silently falling
// back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*Config, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, domain.ConfigError{Option: "config", Reason: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// blacklistSection mirrors one named section of the blacklist rule file.
type blacklistSection struct {
	Scope   string   `yaml:"scope"`
	Members []string `yaml:"members"`
}

// LoadBlacklist reads the declarative blacklist rule file: named sections
// each holding a scope and a member list. Section order does not matter;
// rules are returned sorted by section name for determinism.
func LoadBlacklist(path string) ([]domain.BlacklistRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	var sections map[string]blacklistSection
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, domain.ConfigError{Option: "blacklist", Reason: err.Error()}
	}
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	rules := make([]domain.BlacklistRule, 0, len(sections))
	for _, name := range names {
		section := sections[name]
		scope := domain.BlacklistScope(section.Scope)
		switch scope {
		case domain.BlacklistExact, domain.BlacklistWithChilds:
		default:
			return nil, domain.ConfigError{
				Option: "blacklist." + name + ".scope",
				Reason: fmt.Sprintf("must be %s or %s", domain.BlacklistExact, domain.BlacklistWithChilds),
			}
		}
		if len(section.Members) == 0 {
			return nil, domain.ConfigError{Option: "blacklist." + name + ".members", Reason: "empty"}
		}
		rules = append(rules, domain.BlacklistRule{Scope: scope, Members: section.Members})
	}
	return rules, nil
}

// fusionSection mirrors one named section of the fusion rule file.
type fusionSection struct {
	Name    string   `yaml:"name"`
	Acronym string   `yaml:"acronym"`
	Members []string `yaml:"members"`
}

// LoadFusions reads the declarative fusion rule file, sorted by section
// name for determinism.
func LoadFusions(path string) ([]domain.FusionGroup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fusion rules: %w", err)
	}
	var sections map[string]fusionSection
	if err := yaml.Unmarshal(data, &sections); err != nil {
		return nil, domain.ConfigError{Option: "fusion", Reason: err.Error()}
	}
	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)
	groups := make([]domain.FusionGroup, 0, len(sections))
	for _, name := range names {
		section := sections[name]
		if section.Acronym == "" {
			return nil, domain.ConfigError{Option: "fusion." + name + ".acronym", Reason: "required"}
		}
		if len(section.Members) == 0 {
			return nil, domain.ConfigError{Option: "fusion." + name + ".members", Reason: "empty"}
		}
		groups = append(groups, domain.FusionGroup{
			Acronym: section.Acronym,
			Name:    section.Name,
			Members: section.Members,
		})
	}
	return groups, nil
}

// LoadRegionTree reads the atlas region list as a JSON array of nodes, the
// columnar contract delivered by the upstream atlas tooling.
func LoadRegionTree(path string) ([]domain.RegionNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read region tree: %w", err)
	}
	var tree []domain.RegionNode
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, domain.ConfigError{Option: "atlas", Reason: err.Error()}
	}
	return tree, nil
}

// AnimalInfo is the optional per-animal info collaborator.
type AnimalInfo struct {
	// StarterCells feeds normalize_starter_cells; absent entries stay
	// undefined so the metrics stage can fail that animal explicitly.
	StarterCells *float64 `yaml:"starter_cells"`
}

// LoadAnimalInfo reads the per-animal info file (animal id -> info).
func LoadAnimalInfo(path string) (map[string]AnimalInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read animal info: %w", err)
	}
	var info map[string]AnimalInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, domain.ConfigError{Option: "info", Reason: err.Error()}
	}
	return info, nil
}

// StarterCells returns the starter-cell count for one animal as a nullable
// value.
func StarterCells(info map[string]AnimalInfo, animalID string) domain.Value {
	entry, ok := info[animalID]
	if !ok || entry.StarterCells == nil {
		return domain.Undef()
	}
	return domain.Def(*entry.StarterCells)
}

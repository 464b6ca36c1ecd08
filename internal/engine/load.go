package engine

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// LoadRules reads a rule set from a YAML file. An empty path yields the
// built-in default rules.
func LoadRules(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if len(rs.Rules) == 0 {
		return RuleSet{}, fmt.Errorf("rules file %s contains no rules", path)
	}
	for i, r := range rs.Rules {
		if r.ID == "" {
			return RuleSet{}, fmt.Errorf("rule at index %d has no id", i)
		}
		if r.Action == "" {
			return RuleSet{}, fmt.Errorf("rule %s has no action", r.ID)
		}
	}
	return rs, nil
}

package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

//go:embed cicd_rules.yaml
var cicdRules []byte

// CICDRules returns the bundled CI/CD monitor rules.
func CICDRules() []byte {
	return cicdRules
}

// WriteCICDRules writes the bundled rules into dir and returns the path.
func WriteCICDRules(dir string) (string, error) {
	path := filepath.Join(dir, "cicd_rules.yaml")
	if err := os.WriteFile(path, cicdRules, 0o644); err != nil {
		return "", fmt.Errorf("write cicd rules: %w", err)
	}
	return path, nil
}

// ruleEntry keys recognised by the monitor's rules loader.
var ruleEntryKeys = []string{"rule", "macro", "list", "required_engine_version", "required_plugin_versions"}

// ruleChangeKeys make a rule entry valid without a condition of its own:
// it defines one, or it toggles, appends to or overrides an existing rule.
var ruleChangeKeys = []string{"condition", "append", "enabled", "override", "exceptions"}

// ValidateRules checks that data is a YAML sequence of rule, macro or list
// mappings and returns the number of entries.
func ValidateRules(data []byte) (int, error) {
	var entries []map[string]any
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("%w: rules: %w", ErrParse, err)
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: rules: no entries", ErrParse)
	}
	for i, e := range entries {
		if !hasAny(e, ruleEntryKeys) {
			return 0, fmt.Errorf("%w: rules entry %d: expected one of rule, macro, list", ErrParse, i+1)
		}
		if name, ok := e["rule"]; ok && !hasAny(e, ruleChangeKeys) {
			return 0, fmt.Errorf("%w: rule %v has no condition", ErrParse, name)
		}
	}
	return len(entries), nil
}

// ValidateRuleFile reads and validates a custom rules file.
func ValidateRuleFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read custom rule file: %w", err)
	}
	n, err := ValidateRules(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func hasAny(m map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

package gateway

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Kind classifies how a tool's arguments relate to repository scope.
type Kind string

const (
	KindScoped   Kind = "scoped"
	KindSearch   Kind = "search"
	KindUnscoped Kind = "unscoped"
	KindBlocked  Kind = "blocked"
)

// Access classifies a tool as read-only or mutating.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// Rule describes one tool known to the gateway.
type Rule struct {
	Toolset string `yaml:"toolset"`
	Kind    Kind   `yaml:"kind"`
	Access  Access `yaml:"access"`
}

// RuleTable maps tool names to rules. Tools absent from the table are
// denied.
type RuleTable struct {
	Tools map[string]Rule `yaml:"tools"`
}

// DefaultToolsets are exposed when no toolset list is configured. Limited
// to toolsets that make sense for a single-repo-scoped token.
var DefaultToolsets = []string{"repos", "issues", "pull_requests", "git", "labels", "context"}

// LoadRules parses a YAML rule table and validates every entry.
func LoadRules(data []byte) (*RuleTable, error) {
	var table RuleTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing rule table: %w", err)
	}
	if len(table.Tools) == 0 {
		return nil, fmt.Errorf("rule table has no tools")
	}
	for name, rule := range table.Tools {
		switch rule.Kind {
		case KindScoped, KindSearch, KindUnscoped, KindBlocked:
		default:
			return nil, fmt.Errorf("tool %q: unknown kind %q", name, rule.Kind)
		}
		switch rule.Access {
		case AccessRead, AccessWrite:
		default:
			return nil, fmt.Errorf("tool %q: unknown access %q", name, rule.Access)
		}
		if rule.Toolset == "" {
			return nil, fmt.Errorf("tool %q: missing toolset", name)
		}
	}
	return &table, nil
}

// DefaultRules returns the embedded rule table.
func DefaultRules() *RuleTable {
	table, err := LoadRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded rule table invalid: %v", err))
	}
	return table
}

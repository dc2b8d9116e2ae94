package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/proxy"
	"github.com/majorcontext/warden/internal/scope"
)

var (
	repoQualifier    = regexp.MustCompile(`\brepo:(\S+)`)
	orgUserQualifier = regexp.MustCompile(`\b(org|user):(\S+)`)
)

// Violation is a policy rejection. Type is one of the proxy error types so
// the client can tell a scope mismatch from a disallowed tool.
type Violation struct {
	Type    string
	Rule    string
	Message string
}

// Policy evaluates tool-call request bodies against the configured scope
// and allow-list. It is pure: no I/O, same body in, same verdict out.
type Policy struct {
	Scope    scope.Descriptor
	Toolsets []string // allowed toolsets; DefaultToolsets if empty
	Tools    []string // explicit tool names allowed regardless of toolset
	ReadOnly bool
	Rules    *RuleTable
}

func (p *Policy) toolsets() []string {
	if len(p.Toolsets) > 0 {
		return p.Toolsets
	}
	return DefaultToolsets
}

func (p *Policy) rules() *RuleTable {
	if p.Rules != nil {
		return p.Rules
	}
	return DefaultRules()
}

// Evaluate runs the policy pipeline over a request body. It returns the
// body to forward (possibly rewritten with auto-filled scope) or a
// Violation. Bodies that are not tools/call requests pass through
// unchanged; bodies that fail to parse as JSON are rejected. Rewrites
// re-encode the full envelope so unknown JSON-RPC fields survive.
func (p *Policy) Evaluate(body []byte) ([]byte, *Violation) {
	if len(body) == 0 {
		return body, nil
	}

	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, p.reject(proxy.TypePolicy, "malformed-body", "request body is not valid JSON")
	}
	if method, _ := req["method"].(string); method != "tools/call" {
		return body, nil
	}

	params, _ := req["params"].(map[string]any)
	tool, _ := params["name"].(string)
	if tool == "" {
		return nil, p.reject(proxy.TypePolicy, "malformed-body", "tools/call request has no tool name")
	}
	args, ok := params["arguments"].(map[string]any)
	if !ok {
		args = make(map[string]any)
	}

	rule, known := p.rules().Tools[tool]
	if !known {
		return nil, p.reject(proxy.TypePolicy, "unknown-tool",
			fmt.Sprintf("unknown tool %q is not allowed", tool))
	}

	if !p.allowed(tool, rule) {
		return nil, p.reject(proxy.TypePolicy, "allow-list",
			fmt.Sprintf("tool %q is not in the allowed toolsets", tool))
	}

	if rule.Kind == KindBlocked {
		return nil, p.reject(proxy.TypeScope, "blocked-tool",
			fmt.Sprintf("tool %q is not allowed (not repo-scoped)", tool))
	}

	if p.ReadOnly && rule.Access == AccessWrite {
		return nil, p.reject(proxy.TypePolicy, "read-only",
			fmt.Sprintf("tool %q mutates state and read-only mode is on", tool))
	}

	var (
		modified bool
		v        *Violation
	)
	switch rule.Kind {
	case KindUnscoped:
		return body, nil
	case KindSearch:
		modified, v = p.scopeSearch(tool, args)
	default:
		modified, v = p.scopeArguments(tool, args)
	}
	if v != nil {
		return nil, v
	}
	if !modified {
		return body, nil
	}

	params["arguments"] = args
	req["params"] = params
	rewritten, err := json.Marshal(req)
	if err != nil {
		return nil, p.reject(proxy.TypePolicy, "malformed-body", "re-encoding tool call failed")
	}
	return rewritten, nil
}

// allowed checks the default-deny allow-list: the tool's toolset must be
// configured, or the tool named explicitly.
func (p *Policy) allowed(tool string, rule Rule) bool {
	for _, name := range p.Tools {
		if name == tool {
			return true
		}
	}
	for _, ts := range p.toolsets() {
		if ts == rule.Toolset {
			return true
		}
	}
	return false
}

// scopeSearch enforces repository scope on a search query. Qualifiers that
// widen the search beyond the scoped repository are rejected; a missing
// repo qualifier is injected exactly once.
func (p *Policy) scopeSearch(tool string, args map[string]any) (bool, *Violation) {
	query, _ := args["query"].(string)
	want := p.Scope.String()

	for _, m := range repoQualifier.FindAllStringSubmatch(query, -1) {
		if m[1] != want {
			return false, p.reject(proxy.TypeScope, "search-repo",
				fmt.Sprintf("%s query contains repo:%s, expected repo:%s", tool, m[1], want))
		}
	}

	if m := orgUserQualifier.FindStringSubmatch(query); m != nil {
		return false, p.reject(proxy.TypeScope, "search-qualifier",
			fmt.Sprintf("%s query contains %s:%s (not allowed, use repo: scope)", tool, m[1], m[2]))
	}

	if strings.Contains(query, p.Scope.Qualifier()) {
		return false, nil
	}
	args["query"] = strings.TrimSpace(p.Scope.Qualifier() + " " + query)
	log.Debug("injected search scope", "tool", tool, "query", args["query"])
	return true, nil
}

// scopeArguments enforces owner/repo arguments: absent values are filled
// with the configured scope, present values must match it exactly.
func (p *Policy) scopeArguments(tool string, args map[string]any) (bool, *Violation) {
	enforced := map[string]string{
		"owner": p.Scope.Owner,
		"repo":  p.Scope.Repo,
	}
	modified := false
	for field, want := range enforced {
		got, present := args[field]
		if present {
			if s, ok := got.(string); !ok || s != want {
				return false, p.reject(proxy.TypeScope, "argument-scope",
					fmt.Sprintf("%s called with %s=%v, expected %q", tool, field, got, want))
			}
			continue
		}
		args[field] = want
		modified = true
		log.Debug("injected scope argument", "tool", tool, "field", field, "value", want)
	}
	return modified, nil
}

func (p *Policy) reject(errType, rule, message string) *Violation {
	log.Debug("blocked tool call", "rule", rule, "reason", message)
	return &Violation{Type: errType, Rule: rule, Message: message}
}

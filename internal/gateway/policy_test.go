package gateway

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/warden/internal/scope"
)

func testPolicy() *Policy {
	return &Policy{Scope: scope.Descriptor{Owner: "acme", Repo: "widgets"}}
}

func callBody(t *testing.T, tool string, args map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	})
	require.NoError(t, err)
	return body
}

func decodeArgs(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var req struct {
		Params struct {
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(body, &req))
	return req.Params.Arguments
}

func TestNonToolCallPassesThrough(t *testing.T) {
	p := testPolicy()
	for _, method := range []string{"initialize", "tools/list", "ping"} {
		body := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q}`, method))
		out, v := p.Evaluate(body)
		require.Nil(t, v, method)
		assert.Equal(t, body, out)
	}
}

func TestEmptyBodyPassesThrough(t *testing.T) {
	out, v := testPolicy().Evaluate(nil)
	require.Nil(t, v)
	assert.Nil(t, out)
}

func TestMalformedBodyRejected(t *testing.T) {
	_, v := testPolicy().Evaluate([]byte("not json at all"))
	require.NotNil(t, v)
	assert.Equal(t, "policy_violation", v.Type)
	assert.Equal(t, "malformed-body", v.Rule)
}

func TestToolCallWithoutNameRejected(t *testing.T) {
	_, v := testPolicy().Evaluate([]byte(`{"method":"tools/call","params":{}}`))
	require.NotNil(t, v)
	assert.Equal(t, "malformed-body", v.Rule)
}

func TestUnknownToolRejected(t *testing.T) {
	_, v := testPolicy().Evaluate(callBody(t, "brand_new_upstream_tool", nil))
	require.NotNil(t, v)
	assert.Equal(t, "policy_violation", v.Type)
	assert.Equal(t, "unknown-tool", v.Rule)
}

func TestToolOutsideConfiguredToolsetsRejected(t *testing.T) {
	p := testPolicy()
	p.Toolsets = []string{"issues"}

	_, v := p.Evaluate(callBody(t, "get_file_contents", map[string]any{"path": "README.md"}))
	require.NotNil(t, v)
	assert.Equal(t, "allow-list", v.Rule)

	out, v := p.Evaluate(callBody(t, "list_issues", nil))
	require.Nil(t, v)
	require.NotNil(t, out)
}

func TestExplicitToolListOverridesToolsets(t *testing.T) {
	p := testPolicy()
	p.Toolsets = []string{"issues"}
	p.Tools = []string{"get_file_contents"}

	_, v := p.Evaluate(callBody(t, "get_file_contents", map[string]any{"path": "README.md"}))
	assert.Nil(t, v)
}

func TestBlockedToolsRejected(t *testing.T) {
	p := testPolicy()
	p.Toolsets = []string{"orgs", "users", "issues"}

	for _, tool := range []string{"search_users", "search_orgs", "get_teams", "get_team_members", "list_issue_types"} {
		_, v := p.Evaluate(callBody(t, tool, nil))
		require.NotNil(t, v, tool)
		assert.Equal(t, "scope_violation", v.Type, tool)
		assert.Equal(t, "blocked-tool", v.Rule, tool)
	}
}

func TestUnscopedToolAllowedUnmodified(t *testing.T) {
	body := callBody(t, "get_me", nil)
	out, v := testPolicy().Evaluate(body)
	require.Nil(t, v)
	assert.Equal(t, body, out)
}

func TestOwnerRepoAutofilled(t *testing.T) {
	out, v := testPolicy().Evaluate(callBody(t, "get_file_contents", map[string]any{"path": "README.md"}))
	require.Nil(t, v)

	args := decodeArgs(t, out)
	assert.Equal(t, "acme", args["owner"])
	assert.Equal(t, "widgets", args["repo"])
	assert.Equal(t, "README.md", args["path"])
}

func TestMatchingOwnerRepoForwardedUnchanged(t *testing.T) {
	body := callBody(t, "get_file_contents", map[string]any{
		"owner": "acme", "repo": "widgets", "path": "README.md",
	})
	out, v := testPolicy().Evaluate(body)
	require.Nil(t, v)
	assert.Equal(t, body, out)
}

func TestMismatchedOwnerRejected(t *testing.T) {
	tests := []map[string]any{
		{"owner": "evil", "repo": "widgets"},
		{"owner": "acme", "repo": "secrets"},
		{"owner": "evil", "repo": "secrets"},
		{"owner": 42, "repo": "widgets"},
	}
	for _, args := range tests {
		_, v := testPolicy().Evaluate(callBody(t, "get_file_contents", args))
		require.NotNil(t, v, args)
		assert.Equal(t, "scope_violation", v.Type)
		assert.Equal(t, "argument-scope", v.Rule)
	}
}

func TestRewritePreservesEnvelope(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":"req-7","method":"tools/call",` +
		`"params":{"name":"get_file_contents","arguments":{"path":"x"},"_meta":{"progressToken":3}}}`)
	out, v := testPolicy().Evaluate(body)
	require.Nil(t, v)

	var req map[string]any
	require.NoError(t, json.Unmarshal(out, &req))
	assert.Equal(t, "2.0", req["jsonrpc"])
	assert.Equal(t, "req-7", req["id"])
	params := req["params"].(map[string]any)
	assert.Contains(t, params, "_meta")
}

func TestSearchQueryScopeInjected(t *testing.T) {
	out, v := testPolicy().Evaluate(callBody(t, "search_code", map[string]any{"query": "func main"}))
	require.Nil(t, v)
	assert.Equal(t, "repo:acme/widgets func main", decodeArgs(t, out)["query"])
}

func TestSearchQueryInjectionIdempotent(t *testing.T) {
	p := testPolicy()

	out, v := p.Evaluate(callBody(t, "search_code", map[string]any{"query": "func main"}))
	require.Nil(t, v)
	first := decodeArgs(t, out)["query"].(string)

	out, v = p.Evaluate(callBody(t, "search_code", map[string]any{"query": first}))
	require.Nil(t, v)
	assert.Equal(t, first, decodeArgs(t, out)["query"])
}

func TestSearchQueryEmptyGetsScope(t *testing.T) {
	out, v := testPolicy().Evaluate(callBody(t, "search_issues", map[string]any{"query": ""}))
	require.Nil(t, v)
	assert.Equal(t, "repo:acme/widgets", decodeArgs(t, out)["query"])
}

func TestSearchForeignRepoRejected(t *testing.T) {
	_, v := testPolicy().Evaluate(callBody(t, "search_code", map[string]any{
		"query": "repo:other/place func main",
	}))
	require.NotNil(t, v)
	assert.Equal(t, "scope_violation", v.Type)
	assert.Equal(t, "search-repo", v.Rule)
}

func TestSearchOrgUserQualifiersRejected(t *testing.T) {
	queries := []string{
		"org:acme deploy key",
		"user:someone password",
		"repo:acme/widgets org:acme leak",
		"innocuous text user:admin",
	}
	for _, q := range queries {
		_, v := testPolicy().Evaluate(callBody(t, "search_code", map[string]any{"query": q}))
		require.NotNil(t, v, q)
		assert.Equal(t, "scope_violation", v.Type, q)
		assert.Equal(t, "search-qualifier", v.Rule, q)
	}
}

func TestReadOnlyRejectsMutatingTools(t *testing.T) {
	p := testPolicy()
	p.ReadOnly = true

	_, v := p.Evaluate(callBody(t, "create_pull_request", map[string]any{"title": "x"}))
	require.NotNil(t, v)
	assert.Equal(t, "policy_violation", v.Type)
	assert.Equal(t, "read-only", v.Rule)

	out, v := p.Evaluate(callBody(t, "list_pull_requests", nil))
	require.Nil(t, v)
	require.NotNil(t, out)
}

func TestReadOnlyIndependentOfScope(t *testing.T) {
	p := testPolicy()
	p.ReadOnly = true

	// Mutating tool with a perfectly scoped argument set still rejects.
	_, v := p.Evaluate(callBody(t, "delete_file", map[string]any{
		"owner": "acme", "repo": "widgets", "path": "x",
	}))
	require.NotNil(t, v)
	assert.Equal(t, "read-only", v.Rule)
}

func TestDefaultRulesValid(t *testing.T) {
	table := DefaultRules()
	assert.NotEmpty(t, table.Tools)

	// Spot-check classifications the pipeline depends on.
	assert.Equal(t, KindUnscoped, table.Tools["get_me"].Kind)
	assert.Equal(t, KindSearch, table.Tools["search_code"].Kind)
	assert.Equal(t, KindBlocked, table.Tools["search_users"].Kind)
	assert.Equal(t, AccessWrite, table.Tools["push_files"].Access)
	assert.Equal(t, AccessRead, table.Tools["list_commits"].Access)
}

func TestLoadRulesRejectsBadTable(t *testing.T) {
	cases := map[string]string{
		"bad kind":   `{tools: {x: {toolset: repos, kind: nope, access: read}}}`,
		"bad access": `{tools: {x: {toolset: repos, kind: scoped, access: rw}}}`,
		"no toolset": `{tools: {x: {kind: scoped, access: read}}}`,
		"empty":      `{}`,
		"not yaml":   `:::`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRules([]byte(data))
			require.Error(t, err)
		})
	}
}

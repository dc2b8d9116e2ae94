package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/majorcontext/warden/internal/gateway"
	"github.com/majorcontext/warden/internal/scope"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the tool-call policy gateway",
	Long: `Run the policy-enforcing gateway in front of the hosted MCP endpoint.

Every tool call is checked against the allow-list and the repository
scope before it is forwarded with the scoped token; rejected calls get a
JSON error naming the violated rule. The port is printed to stdout as a
single line once the gateway is listening.

Environment:
  WARDEN_GITHUB_TOKEN  scoped token (GITHUB_TOKEN also accepted), required
  WARDEN_OWNER         repository owner, required
  WARDEN_REPO          repository name, required
  WARDEN_TOOLSETS      comma-separated toolsets (default: repos,issues,pull_requests,git,labels,context)
  WARDEN_TOOLS         comma-separated tool names, narrows further (optional)
  WARDEN_READONLY      set to 1 to reject mutating tools (default: 0)
  WARDEN_LOCKDOWN      set to 0 to disable lockdown mode (default: 1)
  WARDEN_RULES         path to a YAML rule table overriding the built-in one
  WARDEN_LOG_DIR       directory for log files and captured error pages
  WARDEN_AUDIT_DB      SQLite audit log path (optional)
  WARDEN_DEBUG         set to 1 for debug logging`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	token := envOr("WARDEN_GITHUB_TOKEN", "GITHUB_TOKEN")
	if token == "" {
		return errMissing("WARDEN_GITHUB_TOKEN")
	}
	owner, err := requireEnv("WARDEN_OWNER")
	if err != nil {
		return err
	}
	repo, err := requireEnv("WARDEN_REPO")
	if err != nil {
		return err
	}

	rules := gateway.DefaultRules()
	if path := os.Getenv("WARDEN_RULES"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rules, err = gateway.LoadRules(data)
		if err != nil {
			return err
		}
	}

	recorder, closeAudit, err := openRecorder()
	if err != nil {
		return err
	}
	defer closeAudit()

	return serve(&gateway.Proxy{
		Token: token,
		Policy: gateway.Policy{
			Scope:    scope.Descriptor{Owner: owner, Repo: repo},
			Toolsets: splitList(os.Getenv("WARDEN_TOOLSETS")),
			Tools:    splitList(os.Getenv("WARDEN_TOOLS")),
			ReadOnly: boolEnv("WARDEN_READONLY", false),
			Rules:    rules,
		},
		Lockdown: boolEnv("WARDEN_LOCKDOWN", true),
		LogDir:   os.Getenv("WARDEN_LOG_DIR"),
		Recorder: recorder,
	})
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

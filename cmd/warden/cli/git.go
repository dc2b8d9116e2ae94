package cli

import (
	"github.com/spf13/cobra"

	"github.com/majorcontext/warden/internal/gitproxy"
	"github.com/majorcontext/warden/internal/scope"
)

var gitCmd = &cobra.Command{
	Use:   "git",
	Short: "Run the source-control HTTP proxy",
	Long: `Run the git smart-HTTP proxy scoped to a single repository.

Requests for the scoped repository are forwarded with the token as Basic
auth; requests for any other path are forwarded with no credential at
all. The port is printed to stdout as a single line once the proxy is
listening.

Environment:
  WARDEN_GITHUB_TOKEN  scoped token (GITHUB_TOKEN also accepted), required
  WARDEN_OWNER         repository owner, required
  WARDEN_REPO          repository name, required
  WARDEN_LOG_DIR       directory for log files
  WARDEN_AUDIT_DB      SQLite audit log path (optional)
  WARDEN_DEBUG         set to 1 for debug logging`,
	RunE: runGit,
}

func init() {
	rootCmd.AddCommand(gitCmd)
}

func runGit(cmd *cobra.Command, args []string) error {
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

	recorder, closeAudit, err := openRecorder()
	if err != nil {
		return err
	}
	defer closeAudit()

	return serve(&gitproxy.Proxy{
		Token:    token,
		Scope:    scope.Descriptor{Owner: owner, Repo: repo},
		Recorder: recorder,
	})
}

package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/warden/internal/credstore"
	"github.com/majorcontext/warden/internal/inference"
)

var inferenceCmd = &cobra.Command{
	Use:   "inference",
	Short: "Run the inference API proxy",
	Long: `Run the credential-injecting proxy for the inference API.

The proxy reads the host credential record (or ANTHROPIC_API_KEY, which
takes priority), refreshes the OAuth token when it nears expiry, and
attaches it to every forwarded request. The port is printed to stdout as
a single line once the proxy is listening.

Environment:
  ANTHROPIC_API_KEY        static API key, bypasses the credential record
  WARDEN_CREDENTIALS_FILE  credential record path (default: ~/.claude/.credentials.json)
  WARDEN_LOG_DIR           directory for log files
  WARDEN_AUDIT_DB          SQLite audit log path (optional)
  WARDEN_DEBUG             set to 1 for debug logging`,
	RunE: runInference,
}

func init() {
	rootCmd.AddCommand(inferenceCmd)
}

func runInference(cmd *cobra.Command, args []string) error {
	path := os.Getenv("WARDEN_CREDENTIALS_FILE")
	if path == "" {
		path = credstore.DefaultPath()
	}

	recorder, closeAudit, err := openRecorder()
	if err != nil {
		return err
	}
	defer closeAudit()

	return serve(&inference.Proxy{
		Store:    credstore.New(path),
		Recorder: recorder,
	})
}

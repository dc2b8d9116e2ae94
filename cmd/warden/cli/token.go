package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/warden/internal/audit"
	"github.com/majorcontext/warden/internal/broker"
	"github.com/majorcontext/warden/internal/scope"
)

var (
	tokenAppID    string
	tokenKeyPath  string
	tokenClientID string
	tokenRepo     string
	tokenCacheDir string
	tokenOnly     bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue repository-scoped tokens",
	Long: `Issue a repository-scoped token for the source-hosting platform.

Two issuance paths exist: "installation" exchanges an app's private key
for an installation token without user interaction; "user" runs the
interactive device-authorization flow and caches the result per
repository. Both print the token to stdout; all diagnostics go to
stderr.`,
}

var tokenInstallationCmd = &cobra.Command{
	Use:   "installation",
	Short: "Issue an installation token via the app-JWT exchange",
	Long: `Issue an installation token scoped to one repository.

Signs a short-lived app JWT with the private key, finds the app
installation on the repository owner's account, mints a token restricted
to the single repository with contents:write permission, and verifies it
before printing. Prints "TOKEN EXPIRY" (RFC 3339) to stdout, or the bare
token with --token-only.`,
	RunE: runTokenInstallation,
}

var tokenUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Issue a user token via the device-authorization flow",
	Long: `Issue a user token scoped to one repository.

Checks the per-repository cache first (renewing silently when a refresh
token is available), otherwise prints a verification URL and code to
stderr and polls until the user approves, denies, or the code expires.
Prints the token to stdout.`,
	RunE: runTokenUser,
}

func init() {
	tokenInstallationCmd.Flags().StringVar(&tokenAppID, "app-id", "", "app identifier (required)")
	tokenInstallationCmd.Flags().StringVar(&tokenKeyPath, "key", "", "path to the app's PEM private key (required)")
	tokenInstallationCmd.Flags().StringVar(&tokenRepo, "repo", "", "repository, owner/repo or URL (required)")
	tokenInstallationCmd.Flags().BoolVar(&tokenOnly, "token-only", false, "print only the token, no expiry")
	_ = tokenInstallationCmd.MarkFlagRequired("app-id")
	_ = tokenInstallationCmd.MarkFlagRequired("key")
	_ = tokenInstallationCmd.MarkFlagRequired("repo")

	tokenUserCmd.Flags().StringVar(&tokenClientID, "client-id", "", "OAuth app client ID (required)")
	tokenUserCmd.Flags().StringVar(&tokenRepo, "repo", "", "repository, owner/repo or URL (required)")
	tokenUserCmd.Flags().StringVar(&tokenCacheDir, "cache-dir", "", "token cache directory (default: per-user cache dir)")
	tokenUserCmd.Flags().BoolVar(&tokenOnly, "token-only", false, "print only the token")
	_ = tokenUserCmd.MarkFlagRequired("client-id")
	_ = tokenUserCmd.MarkFlagRequired("repo")

	tokenCmd.AddCommand(tokenInstallationCmd)
	tokenCmd.AddCommand(tokenUserCmd)
	rootCmd.AddCommand(tokenCmd)
}

func newBroker() *broker.Broker {
	b := broker.New()
	b.LogDir = os.Getenv("WARDEN_LOG_DIR")
	return b
}

func runTokenInstallation(cmd *cobra.Command, args []string) error {
	sc, err := scope.Parse(tokenRepo)
	if err != nil {
		return err
	}

	issued, err := newBroker().InstallationToken(cmd.Context(), tokenAppID, tokenKeyPath, sc)
	if err != nil {
		return err
	}
	recordIssuance(sc, "installation", issued.ExpiresAt)

	if tokenOnly {
		fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", issued.Token, issued.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runTokenUser(cmd *cobra.Command, args []string) error {
	sc, err := scope.Parse(tokenRepo)
	if err != nil {
		return err
	}

	cacheDir := tokenCacheDir
	if cacheDir == "" {
		cacheDir = broker.DefaultCacheDir()
	}

	issued, err := newBroker().UserToken(cmd.Context(), tokenClientID, sc, broker.NewCache(cacheDir))
	if err != nil {
		return err
	}
	recordIssuance(sc, "device", issued.ExpiresAt)

	fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
	return nil
}

func recordIssuance(sc scope.Descriptor, source string, expiresAt time.Time) {
	recorder, closeAudit, err := openRecorder()
	if err != nil || recorder == nil {
		return
	}
	defer closeAudit()
	recorder.RecordToken(audit.TokenData{Scope: sc.String(), Source: source, ExpiresAt: expiresAt})
}

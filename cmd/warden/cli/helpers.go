package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/majorcontext/warden/internal/audit"
	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/proxy"
)

// requireEnv returns the value of the variable or an error naming it.
// Configuration errors are fatal before the port is bound: the supervisor
// reading stdout must never see a port line from a misconfigured proxy.
func requireEnv(name string) (string, error) {
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return value, nil
}

func errMissing(name string) error {
	return fmt.Errorf("%s is required", name)
}

// envOr returns the first non-empty value among the named variables.
func envOr(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func boolEnv(name string, def bool) bool {
	switch os.Getenv(name) {
	case "1", "true":
		return true
	case "0", "false":
		return false
	default:
		return def
	}
}

// openRecorder opens the audit store named by WARDEN_AUDIT_DB, or returns
// nil when auditing is not configured.
func openRecorder() (*audit.Recorder, func(), error) {
	path := os.Getenv("WARDEN_AUDIT_DB")
	if path == "" {
		return nil, func() {}, nil
	}
	store, err := audit.OpenStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit store: %w", err)
	}
	return audit.NewRecorder(store), func() { store.Close() }, nil
}

// serve starts the handler on an ephemeral localhost port, announces the
// port on stdout, and blocks until SIGINT or SIGTERM.
func serve(handler http.Handler) error {
	srv := proxy.NewServer(handler)
	if err := srv.Start(); err != nil {
		return err
	}
	if err := srv.Announce(os.Stdout); err != nil {
		return err
	}
	log.Info("listening", "addr", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

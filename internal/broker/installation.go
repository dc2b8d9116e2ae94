package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/scope"
)

// InstallationToken runs the non-interactive app-JWT protocol: sign an app
// JWT, find the installation on the target account, mint an installation
// token scoped to exactly the one repository with minimal permissions, and
// verify it against the repository before returning. Any step failing is
// fatal for the protocol; no partial token is ever returned.
func (b *Broker) InstallationToken(ctx context.Context, appID, keyPath string, sc scope.Descriptor) (*Issued, error) {
	key, err := LoadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}

	appJWT, err := AppJWT(appID, key, b.timeNow())
	if err != nil {
		return nil, err
	}

	installID, err := b.findInstallation(ctx, appJWT, sc.Owner)
	if err != nil {
		return nil, err
	}
	log.Debug("found app installation", "account", sc.Owner, "installation_id", installID)

	var tok struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	req := map[string]any{
		"repositories": []string{sc.Repo},
		"permissions":  map[string]string{"contents": "write"},
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installID)
	if err := b.api(ctx, http.MethodPost, path, appJWT, req, &tok); err != nil {
		return nil, fmt.Errorf("creating installation token: %w", err)
	}
	if tok.Token == "" {
		return nil, fmt.Errorf("installation token response contained no token")
	}

	if err := b.verifyToken(ctx, tok.Token, sc); err != nil {
		return nil, err
	}

	return &Issued{Token: tok.Token, ExpiresAt: tok.ExpiresAt}, nil
}

// findInstallation lists the app's installations and returns the one whose
// account matches the target owner.
func (b *Broker) findInstallation(ctx context.Context, appJWT, owner string) (int64, error) {
	var installations []struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	}
	if err := b.api(ctx, http.MethodGet, "/app/installations", appJWT, nil, &installations); err != nil {
		return 0, fmt.Errorf("listing installations: %w", err)
	}

	for _, inst := range installations {
		if inst.Account.Login == owner {
			return inst.ID, nil
		}
	}
	return 0, fmt.Errorf("no installation found for account %q (install the app on that account first)", owner)
}

// verifyToken confirms the token can read the target repository's metadata.
func (b *Broker) verifyToken(ctx context.Context, token string, sc scope.Descriptor) error {
	var repo struct {
		FullName string `json:"full_name"`
	}
	if err := b.api(ctx, http.MethodGet, "/repos/"+sc.String(), token, nil, &repo); err != nil {
		return fmt.Errorf("verifying token against %s: %w", sc, err)
	}
	log.Debug("token verified", "repo", repo.FullName)
	return nil
}

// ResolveRepoID looks up the repository's numeric ID via the public API.
// The device flow passes it so the platform scopes the token server-side.
func (b *Broker) ResolveRepoID(ctx context.Context, sc scope.Descriptor) (int64, error) {
	var repo struct {
		ID int64 `json:"id"`
	}
	if err := b.api(ctx, http.MethodGet, "/repos/"+sc.String(), "", nil, &repo); err != nil {
		return 0, fmt.Errorf("resolving repository ID for %s: %w", sc, err)
	}
	return repo.ID, nil
}

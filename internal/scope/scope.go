// Package scope defines the single repository a proxy instance may act on.
package scope

import (
	"fmt"
	"regexp"
)

// Descriptor identifies the one {owner, repo} pair a proxy is permitted to
// touch. It is fixed at process startup and never accepted from the client
// side of a connection.
type Descriptor struct {
	Owner string
	Repo  string
}

// String returns the owner/repo slug.
func (d Descriptor) String() string {
	return d.Owner + "/" + d.Repo
}

// Qualifier returns the search qualifier form, e.g. "repo:acme/widgets".
func (d Descriptor) Qualifier() string {
	return "repo:" + d.String()
}

// IsZero reports whether the descriptor is unset.
func (d Descriptor) IsZero() bool {
	return d.Owner == "" || d.Repo == ""
}

var (
	sshPattern   = regexp.MustCompile(`^git@github\.com:([^/]+)/([^/]+?)(?:\.git)?$`)
	httpsPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+?)(?:\.git)?(?:/.*)?$`)
	slugPattern  = regexp.MustCompile(`^([^/]+)/([^/]+)$`)
)

// Parse accepts a repository in slug, HTTPS URL, or SSH URL form:
//
//	owner/name
//	https://github.com/owner/name[.git]
//	git@github.com:owner/name.git
func Parse(s string) (Descriptor, error) {
	for _, pat := range []*regexp.Regexp{sshPattern, httpsPattern, slugPattern} {
		if m := pat.FindStringSubmatch(s); m != nil {
			return Descriptor{Owner: m[1], Repo: m[2]}, nil
		}
	}
	return Descriptor{}, fmt.Errorf("cannot parse repository %q (want owner/name, URL, or SSH form)", s)
}

// Package synology implements sources.Opener for Synology Photos shared albums.
//
// A share is opened by fetching its public link, which sets the session cookie,
// and then logging in with the passphrase when one is configured. Listing and
// download calls go to the DSM web API at /webapi/entry.cgi.
package synology

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/stacklok/frame-sync/internal/sources"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ShareRef identifies a shared album on a DSM host
type ShareRef struct {
	// BaseURL is scheme and host, without a trailing slash
	BaseURL string
	// Token is the share identifier, also used as the sharing id
	Token string
	// URL is the public share link
	URL string
}

// ParseShareReference resolves ref, either a full share link or a bare token, against baseURL.
// A full link supplies its own host when baseURL is empty.
func ParseShareReference(baseURL, ref string) (*ShareRef, error) {
	ref = strings.TrimSpace(ref)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if ref == "" {
		return nil, &sources.AuthError{Message: "share reference is empty"}
	}

	if tokenPattern.MatchString(ref) {
		if baseURL == "" {
			return nil, &sources.AuthError{Message: "a base URL is required for a bare share token"}
		}
		return &ShareRef{
			BaseURL: baseURL,
			Token:   ref,
			URL:     baseURL + "/mo/sharing/" + ref,
		}, nil
	}

	u, err := url.Parse(ref)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &sources.AuthError{Message: fmt.Sprintf("share reference %q is not a share link", ref)}
	}

	token := tokenAfterSharing(u.Path)
	if token == "" {
		return nil, &sources.AuthError{Message: fmt.Sprintf("share link %q has no share token", u.Redacted())}
	}
	if baseURL == "" {
		baseURL = u.Scheme + "://" + u.Host
	}

	return &ShareRef{BaseURL: baseURL, Token: token, URL: u.String()}, nil
}

func tokenAfterSharing(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if part == "sharing" && i+1 < len(parts) && tokenPattern.MatchString(parts[i+1]) {
			return parts[i+1]
		}
	}
	return ""
}

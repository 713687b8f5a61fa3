package harvest

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are query keys stripped during normalization; they vary per
// share link without changing the resource the link points at.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"trk":          {},
	"trackingid":   {},
	"ref":          {},
	"refid":        {},
	"lipi":         {},
	"midtoken":     {},
	"otptoken":     {},
}

// NormalizeURL standardizes a URL so observations of the same remote entity
// fingerprint identically. It lowercases the scheme and host, removes default
// ports and fragments, strips tracking parameters, sorts the remaining query,
// and drops a trailing slash on the path.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	q := u.Query()
	for key := range q {
		if _, ok := trackingParams[strings.ToLower(key)]; ok {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

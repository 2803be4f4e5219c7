package relay

import (
	"net/url"
	"strings"
)

// ValidateReference accepts youtube.com (any subdomain) and youtu.be links,
// with or without a scheme.
func ValidateReference(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrUsage
	}
	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidReference
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	switch {
	case host == "youtube.com", strings.HasSuffix(host, ".youtube.com"):
	case host == "youtu.be":
	default:
		return ErrInvalidReference
	}
	return nil
}

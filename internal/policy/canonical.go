package policy

import (
	"net/url"
	"strings"
)

// Canonicalize strips known tracking parameters and the trailing slash so
// that URLs differing only in those details map to the same identity.
// The remaining query keeps its original order. Unparseable input is
// returned unchanged. The function is idempotent.
func Canonicalize(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Fragment = ""
	u.RawQuery = stripTrackingParams(u.RawQuery)
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}

	return u.String()
}

func stripTrackingParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	pairs := strings.Split(rawQuery, "&")
	kept := pairs[:0]
	for _, pair := range pairs {
		if pair == "" {
			continue
		}
		key := pair
		if idx := strings.Index(pair, "="); idx >= 0 {
			key = pair[:idx]
		}
		if isTrackingParam(key) {
			continue
		}
		kept = append(kept, pair)
	}

	return strings.Join(kept, "&")
}

func isTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}

	return key == "fbclid" || key == "gclid"
}

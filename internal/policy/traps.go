package policy

import (
	"net/url"
	"regexp"
	"strings"
)

// calendarPathPattern matches date-shaped path segments like /2024/12/25
// which usually belong to calendar or archive pages with unbounded depth.
var calendarPathPattern = regexp.MustCompile(`/(19|20)\d{2}/\d{1,2}(/\d{1,2})?(/|$)`)

// trapQueryParams are faceted-navigation, calendar and session markers.
// Any one of them flags the URL as a likely crawler trap.
var trapQueryParams = map[string]struct{}{
	"year":       {},
	"month":      {},
	"sort":       {},
	"filter":     {},
	"page":       {},
	"sessionid":  {},
	"session_id": {},
	"phpsessid":  {},
	"jsessionid": {},
	"sid":        {},
}

// IsTrap reports whether the URL looks like a crawler trap: calendar-style
// date paths, faceted-navigation or session query parameters, or more
// query parameters than the configured maximum. Detection can be switched
// off in configuration for test environments.
func (e *Engine) IsTrap(rawURL string) bool {
	if !e.cfg.TrapDetection {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	paramCount := 0
	for key, values := range u.Query() {
		paramCount += len(values)
		if _, ok := trapQueryParams[strings.ToLower(key)]; ok {
			return true
		}
	}
	if e.cfg.MaxQueryParams > 0 && paramCount > e.cfg.MaxQueryParams {
		return true
	}

	return calendarPathPattern.MatchString(u.Path)
}

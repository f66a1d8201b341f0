package analytics

import (
	"net/http"
	"net/url"
	"strings"
)

// UnknownCountry is reported when no edge country header is present.
const UnknownCountry = "unknown"

// FromRequest builds an event of kind eventType from the request's
// Referer, country, and User-Agent headers.
func FromRequest(eventType string, r *http.Request) Event {
	return Event{
		Type:      eventType,
		Referrer:  r.Header.Get("Referer"),
		Country:   Country(r),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

// Country returns the client country set by the CDN edge, or UnknownCountry.
func Country(r *http.Request) string {
	if cc := r.Header.Get("CF-IPCountry"); cc != "" {
		return cc
	}
	if cc := r.Header.Get("X-Vercel-IP-Country"); cc != "" {
		return cc
	}
	return UnknownCountry
}

// ReferrerDomain reduces a Referer value to its hostname without a leading
// "www.". Empty or unparseable values are "direct".
func ReferrerDomain(referer string) string {
	if referer == "" {
		return "direct"
	}
	u, err := url.Parse(referer)
	if err != nil {
		return "direct"
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host == "" {
		return "direct"
	}
	return host
}

// BrowserCategory buckets a User-Agent string. Checks run in a fixed order,
// so Edge and most mobile browsers report as chrome or safari.
func BrowserCategory(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "safari"):
		return "safari"
	case strings.Contains(ua, "edge"):
		return "edge"
	case strings.Contains(ua, "mobile"):
		return "mobile"
	}
	return "other"
}

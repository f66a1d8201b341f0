package analytics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReferrerDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "direct"},
		{"https://www.example.com/a/b", "example.com"},
		{"https://news.ycombinator.com/item?id=1", "news.ycombinator.com"},
		{"http://wwwx.example.org", "wwwx.example.org"},
		{"not a url", "direct"},
		{"://broken", "direct"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferrerDomain(tt.in))
		})
	}
}

func TestBrowserCategory(t *testing.T) {
	tests := map[string]string{
		"Mozilla/5.0 (Windows NT 10.0) AppleWebKit/537.36 Chrome/123.0 Safari/537.36 Edg/123.0": "chrome",
		"Mozilla/5.0 (X11; Linux x86_64; rv:124.0) Gecko/20100101 Firefox/124.0":               "firefox",
		"Mozilla/5.0 (Macintosh) AppleWebKit/605.1.15 Version/17.4 Safari/605.1.15":            "safari",
		"Mozilla/5.0 Edge/18.19041":      "edge",
		"SomeApp/1.0 Mobile":             "mobile",
		"curl/8.5.0":                     "other",
	}
	for ua, want := range tests {
		assert.Equal(t, want, BrowserCategory(ua), ua)
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/enhance", nil)
	r.Header.Set("Referer", "https://www.example.com/")
	r.Header.Set("User-Agent", "curl/8.5.0")
	r.Header.Set("X-Vercel-IP-Country", "FR")

	ev := FromRequest(EventEnhance, r)
	assert.Equal(t, Event{
		Type:      EventEnhance,
		Referrer:  "https://www.example.com/",
		Country:   "FR",
		UserAgent: "curl/8.5.0",
	}, ev)

	r.Header.Set("CF-IPCountry", "NL")
	assert.Equal(t, "NL", Country(r))

	assert.Equal(t, UnknownCountry, Country(httptest.NewRequest(http.MethodGet, "/", nil)))
}

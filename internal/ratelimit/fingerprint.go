package ratelimit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

const (
	unknownAddress = "0.0.0.0"
	unknownAgent   = "unknown"

	// insecureSecret keys the HMAC when no secret is configured. Anyone who
	// knows it can compute fingerprints, so the server warns at startup.
	insecureSecret = "fallback"
)

// Fingerprint identifies a visitor by the 64-character lowercase hex
// HMAC-SHA256 of "address|agent" keyed with secret. Empty inputs are replaced
// by sentinels, so it never fails.
func Fingerprint(address, agent, secret string) string {
	if address == "" {
		address = unknownAddress
	}
	if agent == "" {
		agent = unknownAgent
	}
	if secret == "" {
		secret = insecureSecret
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(address + "|" + agent))
	return hex.EncodeToString(mac.Sum(nil))
}

// FingerprintRequest fingerprints the client of r.
func FingerprintRequest(r *http.Request, secret string) string {
	return Fingerprint(ClientAddress(r), r.Header.Get("User-Agent"), secret)
}

// ClientAddress returns the first X-Forwarded-For entry, then X-Real-IP,
// then the host of RemoteAddr. It returns "" when none is present.
func ClientAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// InsecureSecret reports whether secret falls back to the well-known key.
func InsecureSecret(secret string) bool {
	return secret == ""
}

// Package security holds the admission checks shared by the WebSocket
// gateway and the REST surface: bearer token verification, client IP
// derivation, and per-IP rate limiting.
package security

import (
	"crypto/subtle"
	"net"
	"strings"
)

// ExtractBearerToken pulls the token out of an Authorization header.
// The scheme match is case-insensitive and the token is trimmed, since
// browser WebSocket shims get both wrong.
func ExtractBearerToken(authHeader string) string {
	const scheme = "bearer "
	if len(authHeader) <= len(scheme) || !strings.EqualFold(authHeader[:len(scheme)], scheme) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(scheme):])
}

// TokenMatch compares tokens in constant time. Empty on either side
// never matches.
func TokenMatch(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// ClientIP returns the host part of a RemoteAddr. A value without a
// port is returned as-is, minus any IPv6 brackets.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(remoteAddr, "["), "]")
	}
	return host
}

package fetch

import (
	"crypto/tls"
	"errors"
	"strings"
	"time"
)

// TLSProfile is one rung of the TLS fallback ladder.
type TLSProfile struct {
	Name         string
	MinVersion   uint16
	MaxVersion   uint16
	CipherSuites []uint16
}

// Config returns a new tls.Config for the profile. Certificates are never
// verified: the proxy has to reach misconfigured and legacy origins.
func (p TLSProfile) Config() *tls.Config {
	suites := make([]uint16, len(p.CipherSuites))
	copy(suites, p.CipherSuites)
	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         p.MinVersion,
		MaxVersion:         p.MaxVersion,
		CipherSuites:       suites,
	}
}

// TLSProfiles returns the ladder from strictest to most lenient.
func TLSProfiles() []TLSProfile {
	return []TLSProfile{
		{
			Name:       "tls12-strong",
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
				tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			},
		},
		{
			Name:         "tls11",
			MinVersion:   tls.VersionTLS11,
			MaxVersion:   tls.VersionTLS12,
			CipherSuites: secureSuites(),
		},
		{
			Name:         "tls10-legacy",
			MinVersion:   tls.VersionTLS10,
			MaxVersion:   tls.VersionTLS12,
			CipherSuites: append(secureSuites(), insecureSuites()...),
		},
	}
}

func secureSuites() []uint16 {
	var out []uint16
	for _, cs := range tls.CipherSuites() {
		out = append(out, cs.ID)
	}
	return out
}

func insecureSuites() []uint16 {
	var out []uint16
	for _, cs := range tls.InsecureCipherSuites() {
		out = append(out, cs.ID)
	}
	return out
}

// isTLSNegotiationError reports whether err came from a failed TLS handshake
// (version or cipher mismatch, alerts, non-TLS replies).
func isTLSNegotiationError(err error) bool {
	if err == nil {
		return false
	}
	var rh tls.RecordHeaderError
	if errors.As(err, &rh) {
		return true
	}
	var alert tls.AlertError
	if errors.As(err, &alert) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls: ") || strings.Contains(msg, "handshake failure")
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

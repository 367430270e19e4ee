// Package decoy classifies inbound hosts into canonical and decoy routes.
package decoy

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strings"
)

type Class int

const (
	Unknown Class = iota
	Canonical
	DecoyBare
	DecoySession
)

func (c Class) String() string {
	switch c {
	case Canonical:
		return "canonical"
	case DecoyBare:
		return "decoy"
	case DecoySession:
		return "decoy_session"
	default:
		return "unknown"
	}
}

// Route is the classification of one request.
type Route struct {
	Class     Class
	Host      string // normalised request host
	SessionID string // DecoySession only
}

// Masked reports whether rewritten references should keep the decoy host
// in place of the target origin.
func (r Route) Masked() bool { return r.Class == DecoyBare }

const sessionPrefix = "/s/"

type Router struct {
	// Suffix is the decoy domain, e.g. "4is.cc".
	Suffix string
	// Canonical is the host allow-list. "*" allows any host.
	Canonical []string
}

func (r Router) Classify(host, path string) Route {
	h := NormalizeHost(host)
	rt := Route{Host: h}
	if h == "" {
		return rt
	}

	if r.isDecoy(h) {
		if id, ok := sessionID(path); ok {
			rt.Class = DecoySession
			rt.SessionID = id
			return rt
		}
		rt.Class = DecoyBare
		return rt
	}

	for _, c := range r.Canonical {
		if c == "*" || NormalizeHost(c) == h {
			rt.Class = Canonical
			return rt
		}
	}
	return rt
}

func (r Router) isDecoy(h string) bool {
	suffix := NormalizeHost(r.Suffix)
	if suffix == "" {
		return false
	}
	return strings.HasSuffix(h, "."+suffix) && len(h) > len(suffix)+1
}

func sessionID(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, sessionPrefix)
	if !ok {
		return "", false
	}
	id, _, _ := strings.Cut(rest, "/")
	if id == "" {
		return "", false
	}
	return id, true
}

// NormalizeHost strips the port and trailing dot and lower-cases host.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	host = strings.Trim(host, "[]")
	return strings.ToLower(host)
}

const (
	prefixLen      = 8
	prefixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// MintHost returns a fresh {random}.{suffix} hostname.
func (r Router) MintHost() (string, error) {
	suffix := NormalizeHost(r.Suffix)
	if suffix == "" {
		return "", fmt.Errorf("decoy suffix is not configured")
	}
	// 252 is the largest multiple of 36 below 256; rejecting above it keeps the draw uniform.
	var out [prefixLen]byte
	buf := make([]byte, 16)
	n := 0
	for n < prefixLen {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("mint decoy host: %w", err)
		}
		for _, b := range buf {
			if b >= 252 {
				continue
			}
			out[n] = prefixAlphabet[int(b)%len(prefixAlphabet)]
			n++
			if n == prefixLen {
				break
			}
		}
	}
	return string(out[:]) + "." + suffix, nil
}

type ctxKey struct{}

func WithRoute(ctx context.Context, r Route) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// RouteFrom returns the route stored by WithRoute, or a Canonical route.
func RouteFrom(ctx context.Context) Route {
	if r, ok := ctx.Value(ctxKey{}).(Route); ok {
		return r
	}
	return Route{Class: Canonical}
}

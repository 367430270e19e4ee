// Package resolve recovers the target of bare resource requests that reached
// the proxy without a url parameter.
package resolve

import (
	"net/url"
	"strings"
)

// ParamOriginalURL carries an explicit absolute target on a bare path.
const ParamOriginalURL = "originalUrl"

// Source says which input produced a resolved URL.
type Source int

const (
	SourceNone Source = iota
	SourceExplicit
	SourceReferer
	SourceFallback
)

func (s Source) String() string {
	switch s {
	case SourceExplicit:
		return "explicit"
	case SourceReferer:
		return "referer"
	case SourceFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Resolve reconstructs the absolute target for requestPath.
//
// Precedence: explicitBase (an absolute URL, used as is), then the origin of
// the url parameter inside referer, then fallbackOrigin. rawQuery is appended
// to the recovered origin together with requestPath.
func Resolve(requestPath, rawQuery, referer, explicitBase, fallbackOrigin string) (*url.URL, bool) {
	u, src := ResolveSource(requestPath, rawQuery, referer, explicitBase, fallbackOrigin)
	return u, src != SourceNone
}

// ResolveSource is Resolve that also reports the winning source.
func ResolveSource(requestPath, rawQuery, referer, explicitBase, fallbackOrigin string) (*url.URL, Source) {
	if u, ok := absoluteHTTP(explicitBase); ok {
		return u, SourceExplicit
	}
	if origin, ok := RefererOrigin(referer); ok {
		return join(origin, requestPath, rawQuery), SourceReferer
	}
	if origin, ok := absoluteHTTP(fallbackOrigin); ok {
		return join(origin, requestPath, rawQuery), SourceFallback
	}
	return nil, SourceNone
}

// RefererOrigin returns the origin of the url parameter carried by a proxy
// page's Referer, if any.
func RefererOrigin(referer string) (*url.URL, bool) {
	if referer == "" {
		return nil, false
	}
	ref, err := url.Parse(referer)
	if err != nil {
		return nil, false
	}
	inner := ref.Query().Get("url")
	if inner == "" {
		return nil, false
	}
	u, ok := absoluteHTTP(inner)
	if !ok {
		return nil, false
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, true
}

func absoluteHTTP(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func join(origin *url.URL, path, rawQuery string) *url.URL {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return &url.URL{
		Scheme:   origin.Scheme,
		Host:     origin.Host,
		Path:     path,
		RawQuery: stripParam(rawQuery, ParamOriginalURL),
	}
}

func stripParam(rawQuery, name string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	out := parts[:0]
	for _, p := range parts {
		k, _, _ := strings.Cut(p, "=")
		if k == name {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "&")
}

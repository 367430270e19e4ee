package rewrite

import (
	"net/url"
	"strings"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

// ProxyPath is the path of the fetch-and-rewrite endpoint.
const ProxyPath = "/proxy"

// Context is everything a single rewrite needs. It is built per request and
// never stored.
type Context struct {
	// Target is the URL the payload was fetched from; relative references
	// resolve against it.
	Target *url.URL
	// ProxyOrigin is scheme://host of the inbound request, e.g. "https://abc.4is.cc".
	ProxyOrigin string
	// MaskOrigin keeps same-origin sub-resources on the proxy host as bare paths.
	MaskOrigin bool
	Filters    model.FilterSet
	// LinkParams is appended verbatim to every proxy URL, e.g. "&session=…".
	LinkParams string
	// ContentType is the upstream Content-Type, used as a charset hint.
	ContentType string
}

var skipPrefixes = []string{"#", "javascript:", "mailto:", "tel:", "data:", "blob:", "about:"}

func skipRef(raw string) bool {
	if raw == "" {
		return true
	}
	lower := strings.ToLower(raw)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// ProxyURL returns {ProxyOrigin}/proxy?url={abs}. A fragment on abs is kept
// outside the encoded target so in-page anchors still work.
func ProxyURL(ctx Context, abs string) string {
	frag := ""
	if i := strings.IndexByte(abs, '#'); i >= 0 {
		abs, frag = abs[:i], abs[i:]
	}
	return ctx.ProxyOrigin + ProxyPath + "?url=" + url.QueryEscape(abs) + ctx.LinkParams + frag
}

// IsProxied reports whether ref already points at the proxy: a relative
// /proxy?url= reference, or any absolute reference on the proxy's own host.
func IsProxied(ref, proxyOrigin string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return false
	}
	if u.Host != "" {
		po, err := url.Parse(proxyOrigin)
		return err == nil && po.Host != "" && strings.EqualFold(u.Host, po.Host)
	}
	if u.Scheme != "" {
		return false
	}
	return u.Path == ProxyPath && u.Query().Get("url") != ""
}

// UnwrapNested peels every /proxy?url= layer, on any host, and returns the
// innermost target. nested is false when raw was not wrapped at all.
func UnwrapNested(raw string) (inner string, nested bool) {
	cur := raw
	for i := 0; i < 16; i++ {
		u, err := url.Parse(cur)
		if err != nil || u.Path != ProxyPath {
			break
		}
		next := u.Query().Get("url")
		if next == "" {
			break
		}
		cur = next
		nested = true
	}
	return cur, nested
}

// reservedPath reports paths the proxy serves itself; masked references must
// not collide with them.
func reservedPath(p string) bool {
	switch {
	case p == ProxyPath, p == "/health", p == "/metrics":
		return true
	case strings.HasPrefix(p, "/s/"), strings.HasPrefix(p, "/api/"):
		return true
	default:
		return false
	}
}

func sameOrigin(a, b *url.URL) bool {
	return a != nil && b != nil && strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// rewriteRef maps one reference to its proxied form. orig is the absolute
// target the reference stands for (nil when it was skipped).
func rewriteRef(ctx Context, base *url.URL, raw string, navigation bool) (out string, orig *url.URL) {
	trimmed := strings.TrimSpace(raw)
	if skipRef(trimmed) {
		return raw, nil
	}
	if IsProxied(trimmed, ctx.ProxyOrigin) {
		return raw, proxiedTarget(trimmed)
	}

	abs, err := base.Parse(trimmed)
	if err != nil {
		return raw, nil
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw, nil
	}

	if ctx.MaskOrigin && !navigation && sameOrigin(abs, ctx.Target) && !reservedPath(abs.Path) {
		masked := ctx.ProxyOrigin + abs.EscapedPath()
		if abs.RawQuery != "" {
			masked += "?" + abs.RawQuery
		}
		return masked, abs
	}
	return ProxyURL(ctx, abs.String()), abs
}

func proxiedTarget(ref string) *url.URL {
	u, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	inner := u.Query().Get("url")
	if inner == "" {
		return nil
	}
	t, err := url.Parse(inner)
	if err != nil {
		return nil
	}
	return t
}

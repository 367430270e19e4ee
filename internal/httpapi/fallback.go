package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/John-Robertt/rewrite-proxy/internal/decoy"
	"github.com/John-Robertt/rewrite-proxy/internal/fetch"
	"github.com/John-Robertt/rewrite-proxy/internal/resolve"
)

// handleResourceFallback serves bare paths such as /app.js that escaped
// rewriting. The target comes from originalUrl, the Referer of a proxied page,
// the origin last served on this decoy host, or the configured fallback
// origin; without one the answer is a plain 404.
func (s *server) handleResourceFallback(w http.ResponseWriter, r *http.Request) {
	referer := r.Referer()
	target, src := resolve.ResolveSource(
		r.URL.Path,
		r.URL.RawQuery,
		referer,
		r.URL.Query().Get(resolve.ParamOriginalURL),
		s.fallbackOrigin(r),
	)
	if target == nil {
		http.NotFound(w, r)
		return
	}
	s.log.Debug("bare resource resolved",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"source", src.String(),
		"target", target.String())

	pr := proxyRequest{
		target:     target,
		candidates: []*url.URL{target},
		method:     http.MethodGet,
		kind:       fetch.KindResource,
	}
	if src == resolve.SourceReferer {
		s.inheritRefererSession(&pr, referer)
	}
	s.serveProxied(w, r, pr)
}

// inheritRefererSession reuses the session and filters of the page that
// asked for the resource. A stale or unknown session is ignored here; the
// page itself already reported it.
func (s *server) inheritRefererSession(pr *proxyRequest, referer string) {
	ref, err := url.Parse(referer)
	if err != nil {
		return
	}
	id := strings.TrimSpace(ref.Query().Get(paramSession))
	if id == "" {
		return
	}
	sess, err := s.deps.Sessions.Lookup(id)
	if err != nil {
		return
	}
	pr.sessionID = sess.ID
	pr.upstream = sess.Proxy
	pr.filters = sess.Filters
}

// fallbackOrigin prefers the origin remembered for a decoy host over the
// configured one.
func (s *server) fallbackOrigin(r *http.Request) string {
	if rt := decoy.RouteFrom(r.Context()); rt.Class == decoy.DecoyBare {
		if v, ok := s.decoyOrigins.Get(rt.Host); ok {
			return v.(string)
		}
	}
	return s.opt.FallbackOrigin
}

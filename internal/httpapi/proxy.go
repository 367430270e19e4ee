package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/John-Robertt/rewrite-proxy/internal/decoy"
	"github.com/John-Robertt/rewrite-proxy/internal/fetch"
	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/rewrite"
)

// Query parameters of /proxy.
const (
	paramURL      = "url"
	paramProxy    = "proxy"
	paramProtocol = "protocol"
	paramTryPaths = "tryPaths"
	paramSession  = "session"

	proxyRandom = "random"

	headerCustom = "X-Custom-Headers"
)

// Upstream response headers worth keeping. Everything else, cookies and
// security policies included, is dropped.
var passHeaders = []string{"Content-Language", "Content-Disposition"}

type proxyRequest struct {
	target *url.URL
	// candidates has target first, then any try-paths.
	candidates  []*url.URL
	method      string
	body        []byte
	contentType string
	upstream    *model.UpstreamProxy
	headers     http.Header
	filters     model.FilterSet
	sessionID   string
	kind        fetch.Kind
}

// linkParams are appended to every rewritten link so follow-up requests keep
// the same filters and session. The upstream proxy itself is never written
// into a page.
func (pr proxyRequest) linkParams() string {
	p := pr.filters.Query()
	if pr.sessionID != "" {
		p += "&" + paramSession + "=" + url.QueryEscape(pr.sessionID)
	}
	return p
}

func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw := strings.TrimSpace(q.Get(paramURL))
	if raw == "" {
		s.writeErrorFromErr(w, r, requestError("INVALID_ARGUMENT", "缺少 url 参数", "expected: /proxy?url=<absolute http(s) url>"))
		return
	}

	if inner, nested := rewrite.UnwrapNested(raw); nested {
		status := http.StatusFound
		if r.Method == http.MethodPost {
			status = http.StatusTemporaryRedirect
		}
		s.log.Debug("nested proxy url unwrapped", "request_id", requestIDFrom(r.Context()), "target", inner)
		http.Redirect(w, r, rewrite.ProxyPath+"?"+replaceParam(r.URL.RawQuery, paramURL, inner), status)
		return
	}

	target, err := parseTarget(raw)
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	pr, err := s.parseProxyRequest(w, r, q, target)
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	s.serveProxied(w, r, pr)
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apiError(http.StatusBadRequest, model.AppError{
			Code:    "INVALID_ARGUMENT",
			Message: "url 必须是绝对 http/https 地址",
			Stage:   "validate_request",
			URL:     raw,
		}, err)
	}
	return u, nil
}

func (s *server) parseProxyRequest(w http.ResponseWriter, r *http.Request, q url.Values, target *url.URL) (proxyRequest, error) {
	pr := proxyRequest{
		target:     target,
		candidates: []*url.URL{target},
		method:     http.MethodGet,
		filters:    model.ParseFilterSet(q),
		kind:       fetchKind(r),
	}

	if id := strings.TrimSpace(q.Get(paramSession)); id != "" {
		sess, err := s.deps.Sessions.Lookup(id)
		if err != nil {
			return pr, sessionError(id, err)
		}
		pr.sessionID = sess.ID
		pr.upstream = sess.Proxy
		pr.filters = pr.filters.Union(sess.Filters)
	}

	up, err := s.upstreamFromQuery(q)
	if err != nil {
		return pr, err
	}
	if up != nil {
		pr.upstream = up
	}

	if raw := strings.TrimSpace(q.Get(paramTryPaths)); raw != "" {
		var paths []string
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			return pr, requestError("INVALID_ARGUMENT", "tryPaths 必须是 JSON 字符串数组", err.Error())
		}
		extra, err := fetch.ResolveCandidates(target, paths)
		if err != nil {
			return pr, requestError("INVALID_ARGUMENT", "tryPaths 含有非法路径", err.Error())
		}
		pr.candidates = dedupeURLs(append(pr.candidates, extra...))
	}

	headers, err := parseCustomHeaders(r.Header.Get(headerCustom))
	if err != nil {
		return pr, err
	}
	pr.headers = headers

	if r.Method == http.MethodPost {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opt.MaxRequestBody))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return pr, apiError(http.StatusRequestEntityTooLarge, model.AppError{
					Code:    "TOO_LARGE",
					Message: "请求体过大",
					Stage:   "validate_request",
					URL:     target.String(),
				}, err)
			}
			return pr, requestError("INVALID_ARGUMENT", "读取请求体失败", "")
		}
		pr.method = http.MethodPost
		pr.body = body
		pr.contentType = r.Header.Get("Content-Type")
	}
	return pr, nil
}

// upstreamFromQuery returns the explicitly requested upstream proxy, nil when
// none was asked for.
func (s *server) upstreamFromQuery(q url.Values) (*model.UpstreamProxy, error) {
	return s.resolveUpstream(q.Get(paramProxy), q.Get(paramProtocol))
}

// resolveUpstream turns a proxy parameter ("host:port" or "random") into a
// descriptor. Error messages never echo the proxy address.
func (s *server) resolveUpstream(raw, protocol string) (*model.UpstreamProxy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if raw == proxyRandom {
		if s.deps.Pool != nil {
			if p, ok := s.deps.Pool.Pick(); ok {
				return &p, nil
			}
		}
		return nil, apiError(http.StatusServiceUnavailable, model.AppError{
			Code:    "POOL_EMPTY",
			Message: "代理池为空，暂无可用的上游代理",
			Stage:   "select_upstream",
		}, nil)
	}

	p, err := model.ParseUpstreamProxy(raw, protocol)
	if err != nil {
		if errors.Is(err, model.ErrUnsupportedProtocol) {
			return nil, requestError("UNSUPPORTED_PROTOCOL", "不支持的上游代理协议", "expected: http|https|socks4|socks5")
		}
		return nil, requestError("INVALID_ARGUMENT", "proxy 必须是 host:port", "")
	}
	return &p, nil
}

func parseCustomHeaders(raw string) (http.Header, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, requestError("INVALID_ARGUMENT", headerCustom+" 必须是 JSON 对象", err.Error())
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			return nil, requestError("INVALID_ARGUMENT", headerCustom+" 含有非法请求头", k)
		}
		h.Set(k, v)
	}
	return h, nil
}

// fetchKind picks the timeout class from Sec-Fetch-Dest: documents get the
// page ceiling, everything a page loads gets the sub-resource ceiling.
func fetchKind(r *http.Request) fetch.Kind {
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "", "document", "iframe", "frame", "embed", "object":
		return fetch.KindPage
	default:
		return fetch.KindResource
	}
}

func (s *server) serveProxied(w http.ResponseWriter, r *http.Request, pr proxyRequest) {
	req := fetch.Request{
		Target:      pr.target,
		Method:      pr.method,
		Body:        pr.body,
		ContentType: pr.contentType,
		Proxy:       pr.upstream,
		Headers:     pr.headers,
		Kind:        pr.kind,
	}

	var (
		resp *fetch.Response
		err  error
	)
	if len(pr.candidates) > 1 {
		resp, err = s.deps.Fetcher.FetchFirst(r.Context(), req, pr.candidates)
	} else {
		resp, err = s.deps.Fetcher.Fetch(r.Context(), req)
	}
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}

	final := resp.FinalURL
	if final == nil {
		final = pr.target
	}
	ct := rewrite.CorrectContentType(resp.Header.Get("Content-Type"), final.Path, resp.Body)
	body := resp.Body

	if kind := rewrite.DetectKind(ct, final.Path, resp.Body); kind == rewrite.KindMarkup || kind == rewrite.KindStylesheet {
		route := decoy.RouteFrom(r.Context())
		if route.Masked() && kind == rewrite.KindMarkup {
			s.decoyOrigins.SetDefault(route.Host, final.Scheme+"://"+final.Host)
		}
		out, err := s.deps.Engine.Rewrite(body, kind, rewrite.Context{
			Target:      final,
			ProxyOrigin: requestOrigin(r),
			MaskOrigin:  route.Masked(),
			Filters:     pr.filters,
			LinkParams:  pr.linkParams(),
			ContentType: ct,
		})
		if err != nil {
			s.log.Warn("rewrite failed; serving original body",
				"request_id", requestIDFrom(r.Context()),
				"target", final.String(),
				"code", "REWRITE_FAILED",
				"kind", kind.String(),
				"err", err)
		} else {
			body = out
			if kind == rewrite.KindMarkup {
				ct = utf8ContentType(ct)
			}
		}
	}

	h := w.Header()
	for _, k := range passHeaders {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	h.Set("Content-Type", ct)
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
}

// requestOrigin is scheme://host as the client sees this service.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := strings.ToLower(strings.TrimSpace(strings.Split(r.Header.Get("X-Forwarded-Proto"), ",")[0])); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

// utf8ContentType keeps the media type and declares UTF-8, which is what the
// markup rewriter always emits.
func utf8ContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt == "" {
		mt = "text/html"
	}
	return mime.FormatMediaType(mt, map[string]string{"charset": "utf-8"})
}

// replaceParam sets key to val in rawQuery, keeping every other pair and
// their order untouched.
func replaceParam(rawQuery, key, val string) string {
	parts := strings.Split(rawQuery, "&")
	for i, p := range parts {
		k, _, _ := strings.Cut(p, "=")
		if uk, err := url.QueryUnescape(k); err == nil && uk == key {
			parts[i] = key + "=" + url.QueryEscape(val)
		}
	}
	return strings.Join(parts, "&")
}

func dedupeURLs(in []*url.URL) []*url.URL {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, u := range in {
		k := u.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, u)
	}
	return out
}

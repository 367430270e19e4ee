package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/rewrite-proxy/internal/decoy"
	"github.com/John-Robertt/rewrite-proxy/internal/fetch"
	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/pool"
	"github.com/John-Robertt/rewrite-proxy/internal/session"
)

const (
	canonicalHost = "service.example"
	decoySuffix   = "decoy.example"
	decoyHost     = "abc123." + decoySuffix
)

type testEnv struct {
	handler  http.Handler
	sessions *session.Store
	pool     *pool.Pool
	metrics  *Metrics
	now      time.Time
}

func newTestEnv(t *testing.T, opt Options) *testEnv {
	return newTestEnvWith(t, opt, fetch.Options{})
}

// newTestEnvWith builds the handler from fopt; each mut may replace a
// dependency before the handler is assembled.
func newTestEnvWith(t *testing.T, opt Options, fopt fetch.Options, mut ...func(*Deps)) *testEnv {
	t.Helper()
	e := &testEnv{now: time.Now()}
	e.sessions = session.NewStore(session.Options{}, func() time.Time { return e.now })
	e.pool = pool.New(nil)
	e.metrics = NewMetrics(e.pool.Len, e.sessions.Len)

	fopt.TLSRetryStep = time.Millisecond
	fopt.Observe = e.metrics.ObserveUpstream
	logger := slog.New(slog.DiscardHandler)

	deps := Deps{
		Fetcher:  fetch.New(fopt, logger),
		Sessions: e.sessions,
		Pool:     e.pool,
		Router:   decoy.Router{Suffix: decoySuffix, Canonical: []string{canonicalHost, "example.com"}},
		Metrics:  e.metrics,
		Logger:   logger,
	}
	for _, m := range mut {
		m(&deps)
	}
	e.handler = NewHandler(deps, opt)
	return e
}

// do serves one request. hdr holds header key/value pairs.
func (e *testEnv) do(method, target string, body io.Reader, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeAppError(t *testing.T, rr *httptest.ResponseRecorder) model.AppError {
	t.Helper()
	var resp model.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%q", rr.Body.String())
	return resp.Error
}

// site is a small upstream used across the handler tests.
type site struct {
	*httptest.Server
	neverHits atomic.Int32
}

const sitePage = `<!doctype html><html><head><title>t</title></head>` +
	`<body><a href="/a">a</a><img src="/img/a.png"></body></html>`

const noReferrerPage = `<!doctype html><html><head><meta name="referrer" content="no-referrer"></head>` +
	`<body><img src="/img/a.png" referrerpolicy="no-referrer"></body></html>`

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Set-Cookie", "sid=1; Path=/")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Content-Language", "en")
		_, _ = io.WriteString(w, sitePage)
	})
	mux.HandleFunc("/norefer", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, noReferrerPage)
	})
	mux.HandleFunc("/img/a.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "PNGDATA")
	})
	mux.HandleFunc("/static/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "js:"+r.URL.RawQuery)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.Method+" "+string(b)+" x-test="+r.Header.Get("X-Test"))
	})
	mux.HandleFunc("/found", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "found")
	})
	mux.HandleFunc("/never", func(w http.ResponseWriter, r *http.Request) {
		s.neverHits.Add(1)
		_, _ = io.WriteString(w, "never")
	})
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, "boom")
	})
	mux.HandleFunc("/large", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, strings.Repeat("0123456789abcdef", 512))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func proxyPath(target string) string {
	return "/proxy?url=" + url.QueryEscape(target)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestUnknownHost_StockNotFound(t *testing.T) {
	e := newTestEnv(t, Options{})
	for _, path := range []string{"/health", "/proxy?url=http%3A%2F%2Fexample.test%2F", "/api/cannon-fodder-domain"} {
		rr := e.do(http.MethodGet, "http://evil.example"+path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
		assert.Equal(t, "404 page not found\n", rr.Body.String(), path)
		assert.Empty(t, rr.Header().Get("X-Request-Id"), path)
	}
}

func TestUnknownPathOnCanonicalHost(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/nothing/here.js", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "404 page not found\n", rr.Body.String())
}

func TestCannonFodderDomain(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/api/cannon-fodder-domain", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Domain string `json:"domain"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Regexp(t, `^[0-9a-z]{8}\.decoy\.example$`, body.Domain)
}

func TestDecoyAndCanonicalNeverCrossLeak(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{})
	path := proxyPath(s.URL + "/page")

	canon := e.do(http.MethodGet, "http://"+canonicalHost+path, nil)
	require.Equal(t, http.StatusOK, canon.Code)
	assert.Contains(t, canon.Body.String(), `src="http://`+canonicalHost+proxyPath(s.URL+"/img/a.png")+`"`)
	assert.NotContains(t, canon.Body.String(), decoySuffix)

	dec := e.do(http.MethodGet, "http://"+decoyHost+path, nil)
	require.Equal(t, http.StatusOK, dec.Code)
	assert.Contains(t, dec.Body.String(), `src="http://`+decoyHost+`/img/a.png"`)
	assert.Contains(t, dec.Body.String(), `href="http://`+decoyHost+proxyPath(s.URL+"/a")+`"`)
	assert.NotContains(t, dec.Body.String(), canonicalHost)
}

func TestResourceFallback_FromReferer(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{})
	referer := "http://" + decoyHost + proxyPath(s.URL+"/page")

	rr := e.do(http.MethodGet, "http://"+decoyHost+"/img/a.png", nil, "Referer", referer)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "PNGDATA", rr.Body.String())
	assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))

	rr = e.do(http.MethodGet, "http://"+canonicalHost+"/static/app.js?v=1", nil, "Referer", referer)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "js:v=1", rr.Body.String())
}

func TestResourceFallback_DecoyPageWithoutReferer(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{})

	page := e.do(http.MethodGet, "http://"+decoyHost+proxyPath(s.URL+"/norefer"), nil)
	require.Equal(t, http.StatusOK, page.Code)
	body := page.Body.String()
	assert.NotContains(t, body, `name="referrer"`)
	assert.NotContains(t, body, "referrerpolicy")
	assert.Contains(t, body, `src="http://`+decoyHost+`/img/a.png"`)

	rr := e.do(http.MethodGet, "http://"+decoyHost+"/img/a.png", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "PNGDATA", rr.Body.String())

	// Other decoy hosts and canonical hosts learn nothing from that page.
	rr = e.do(http.MethodGet, "http://zzz999."+decoySuffix+"/img/a.png", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = e.do(http.MethodGet, "http://"+canonicalHost+"/img/a.png", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResourceFallback_ExplicitOriginalURL(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{})
	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/whatever?originalUrl="+url.QueryEscape(s.URL+"/found"), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "found", rr.Body.String())
}

func TestResourceFallback_ConfiguredOrigin(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{FallbackOrigin: s.URL})
	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/static/app.js?x=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "js:x=2", rr.Body.String())
}

func TestResourceFallback_InheritsRefererSession(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{})
	sess, err := e.sessions.Create(session.Profile{Filters: model.FilterSet{RemoveAds: true}})
	require.NoError(t, err)

	referer := "http://" + canonicalHost + proxyPath(s.URL+"/index") + "&session=" + sess.ID
	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/page", nil, "Referer", referer)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `&amp;removeAds=true&amp;session=`+sess.ID)
}

func TestGzipNegotiated(t *testing.T) {
	s := newSite(t)
	e := newTestEnv(t, Options{})
	rr := e.do(http.MethodGet, "http://"+canonicalHost+proxyPath(s.URL+"/large"), nil, "Accept-Encoding", "gzip")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	b, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0123456789abcdef", 512), string(b))
}

func TestMetrics_CountsRequestsAndErrors(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.do(http.MethodGet, "http://"+canonicalHost+"/health", nil)
	e.do(http.MethodGet, "http://"+canonicalHost+"/proxy", nil)
	e.do(http.MethodGet, "http://evil.example/health", nil)

	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()

	assert.Contains(t, body, `rewrite_proxy_http_requests_total{pattern="GET /health",status="200"} 1`)
	assert.Contains(t, body, `rewrite_proxy_http_requests_total{pattern="GET /proxy",status="400"} 1`)
	assert.Contains(t, body, `rewrite_proxy_http_requests_total{pattern="(unknown host)",status="404"} 1`)
	assert.Contains(t, body, `rewrite_proxy_app_errors_total{code="INVALID_ARGUMENT",stage="validate_request"} 1`)
	assert.Contains(t, body, "rewrite_proxy_pool_size 0")
	assert.Contains(t, body, "rewrite_proxy_sessions 0")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetrics_PoolRefreshed(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.metrics.PoolRefreshed(3)
	e.metrics.PoolRefreshed(5)

	rr := e.do(http.MethodGet, "http://"+canonicalHost+"/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "rewrite_proxy_pool_refreshes_total 2")
	assert.Contains(t, rr.Body.String(), "rewrite_proxy_pool_last_refresh_timestamp_seconds")

	var nilMetrics *Metrics
	nilMetrics.PoolRefreshed(1)
}

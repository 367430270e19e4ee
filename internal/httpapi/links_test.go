package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/session"
)

func sessionProfile() session.Profile {
	return session.Profile{Filters: model.FilterSet{RemoveAds: true}}
}

func createLink(t *testing.T, e *testEnv, payload string) (*httptest.ResponseRecorder, createLinkResponse) {
	t.Helper()
	rr := e.do(http.MethodPost, canonical("/api/create-link"), strings.NewReader(payload), "Content-Type", "application/json")
	var resp createLinkResponse
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%q", rr.Body.String())
	}
	return rr, resp
}

func TestCreateLink_ThenSessionRedirect(t *testing.T) {
	e := newTestEnv(t, Options{})
	rr, resp := createLink(t, e, `{"url":"http://example.test/a","removeAds":true}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)
	assert.Regexp(t, `^[0-9a-f]{32}$`, resp.SessionID)
	assert.Regexp(t, `^https://[0-9a-z]{8}\.decoy\.example/s/[0-9a-f]{32}\?url=http%3A%2F%2Fexample\.test%2Fa$`, resp.ProxyURL)
	assert.Contains(t, resp.ProxyURL, "/s/"+resp.SessionID+"?")
	assert.WithinDuration(t, e.now.Add(7*24*time.Hour), resp.ExpiresAt, time.Second)

	follow := e.do(http.MethodGet, resp.ProxyURL, nil)
	require.Equal(t, http.StatusFound, follow.Code)
	assert.Equal(t, "/proxy?url=http%3A%2F%2Fexample.test%2Fa&removeAds=true", follow.Header().Get("Location"))

	metrics := e.do(http.MethodGet, canonical("/metrics"), nil)
	assert.Contains(t, metrics.Body.String(), "rewrite_proxy_sessions_created_total 1")
}

func TestCreateLink_ProxyStaysServerSide(t *testing.T) {
	e := newTestEnv(t, Options{PublicScheme: "http"})
	rr, resp := createLink(t, e, `{"url":"https://example.test/","proxy":"127.0.0.1:8080","protocol":"socks5"}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "8080")
	assert.True(t, strings.HasPrefix(resp.ProxyURL, "http://"))

	sess, err := e.sessions.Lookup(resp.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.Proxy)
	assert.Equal(t, model.ProtocolSOCKS5, sess.Proxy.Protocol)
	assert.Equal(t, 8080, sess.Proxy.Port)

	follow := e.do(http.MethodGet, resp.ProxyURL, nil)
	require.Equal(t, http.StatusFound, follow.Code)
	loc := follow.Header().Get("Location")
	assert.Equal(t, "/proxy?url="+url.QueryEscape("https://example.test/")+"&session="+resp.SessionID, loc)
	assert.NotContains(t, loc, "8080")
}

func TestCreateLink_Validation(t *testing.T) {
	e := newTestEnv(t, Options{CreateLinkBurst: 100})
	tests := []struct {
		name    string
		payload string
		code    string
	}{
		{"missing url", `{"removeAds":true}`, "INVALID_ARGUMENT"},
		{"relative url", `{"url":"/a"}`, "INVALID_ARGUMENT"},
		{"unknown field", `{"url":"http://example.test/","extra":1}`, "INVALID_ARGUMENT"},
		{"not json", `url=http://example.test/`, "INVALID_ARGUMENT"},
		{"two documents", `{"url":"http://example.test/"}{"url":"http://example.test/"}`, "INVALID_ARGUMENT"},
		{"bad protocol", `{"url":"http://example.test/","proxy":"10.0.0.1:1","protocol":"quic"}`, "UNSUPPORTED_PROTOCOL"},
		{"bad proxy", `{"url":"http://example.test/","proxy":"10.0.0.1"}`, "INVALID_ARGUMENT"},
		{"random with empty pool", `{"url":"http://example.test/","proxy":"random"}`, "POOL_EMPTY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := createLink(t, e, tt.payload)
			require.NotEqual(t, http.StatusOK, rr.Code)
			app := decodeAppError(t, rr)
			assert.Equal(t, tt.code, app.Code)
			assert.NotContains(t, rr.Body.String(), "10.0.0.1")
		})
	}
	assert.Equal(t, 0, e.sessions.Len())
}

func TestCreateLink_RateLimited(t *testing.T) {
	e := newTestEnv(t, Options{CreateLinkRate: 0.001, CreateLinkBurst: 1})

	rr, _ := createLink(t, e, `{"url":"http://example.test/"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = createLink(t, e, `{"url":"http://example.test/"}`)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeAppError(t, rr).Code)
}

func TestSessionRedirect_Errors(t *testing.T) {
	e := newTestEnv(t, Options{})
	sess, err := e.sessions.Create(sessionProfile())
	require.NoError(t, err)

	rr := e.do(http.MethodGet, "http://"+decoyHost+"/s/"+sess.ID, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decodeAppError(t, rr).Code)

	rr = e.do(http.MethodGet, "http://"+decoyHost+"/s/ffffffffffffffffffffffffffffffff?url=http%3A%2F%2Fexample.test%2F", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeAppError(t, rr).Code)

	rr = e.do(http.MethodGet, "http://"+decoyHost+"/s/not-an-id?url=http%3A%2F%2Fexample.test%2F", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	e.now = sess.ExpiresAt
	rr = e.do(http.MethodGet, "http://"+decoyHost+"/s/"+sess.ID+"?url=http%3A%2F%2Fexample.test%2F", nil)
	require.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, "SESSION_EXPIRED", decodeAppError(t, rr).Code)
}

func TestSessionRedirect_SessionCheckedBeforeURL(t *testing.T) {
	e := newTestEnv(t, Options{})
	sess, err := e.sessions.Create(sessionProfile())
	require.NoError(t, err)

	rr := e.do(http.MethodGet, "http://"+decoyHost+"/s/ffffffffffffffffffffffffffffffff", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "SESSION_NOT_FOUND", decodeAppError(t, rr).Code)

	e.now = sess.ExpiresAt
	rr = e.do(http.MethodGet, "http://"+decoyHost+"/s/"+sess.ID, nil)
	require.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, "SESSION_EXPIRED", decodeAppError(t, rr).Code)
}

func TestSessionRedirect_CanonicalHostToo(t *testing.T) {
	e := newTestEnv(t, Options{})
	sess, err := e.sessions.Create(sessionProfile())
	require.NoError(t, err)

	rr := e.do(http.MethodGet, canonical("/s/"+sess.ID+"?url=http%3A%2F%2Fexample.test%2Fb"), nil)
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/proxy?url=http%3A%2F%2Fexample.test%2Fb&removeAds=true", rr.Header().Get("Location"))
}

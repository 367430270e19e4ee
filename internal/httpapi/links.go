package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/rewrite"
	"github.com/John-Robertt/rewrite-proxy/internal/session"
)

const maxCreateLinkBody = 64 << 10

type createLinkRequest struct {
	URL             string `json:"url"`
	Proxy           string `json:"proxy"`
	Protocol        string `json:"protocol"`
	RemoveAds       bool   `json:"removeAds"`
	RemoveTrackers  bool   `json:"removeTrackers"`
	RemoveSensitive bool   `json:"removeSensitive"`
	AddWarning      bool   `json:"addWarning"`
	Optimize        bool   `json:"optimize"`
}

type createLinkResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	ProxyURL  string    `json:"proxyUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.deps.Metrics.incRateLimited()
		w.Header().Set("Retry-After", "1")
		s.writeErrorFromErr(w, r, apiError(http.StatusTooManyRequests, model.AppError{
			Code:    "RATE_LIMITED",
			Message: "请求过于频繁，请稍后再试",
			Stage:   "create_link",
		}, nil))
		return
	}

	body, err := parseCreateLink(http.MaxBytesReader(w, r.Body, maxCreateLinkBody))
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	target, err := parseTarget(strings.TrimSpace(body.URL))
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	up, err := s.resolveUpstream(body.Proxy, body.Protocol)
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}

	sess, err := s.deps.Sessions.Create(session.Profile{
		Proxy: up,
		Filters: model.FilterSet{
			RemoveAds:       body.RemoveAds,
			RemoveTrackers:  body.RemoveTrackers,
			RemoveSensitive: body.RemoveSensitive,
			AddWarning:      body.AddWarning,
			Optimize:        body.Optimize,
		},
	})
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	host, err := s.deps.Router.MintHost()
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	s.deps.Metrics.incSessionCreated()

	WriteJSON(w, http.StatusOK, createLinkResponse{
		Success:   true,
		SessionID: sess.ID,
		ProxyURL:  s.opt.PublicScheme + "://" + host + "/s/" + sess.ID + "?" + paramURL + "=" + url.QueryEscape(target.String()),
		ExpiresAt: sess.ExpiresAt,
	})
}

func parseCreateLink(r io.Reader) (createLinkRequest, error) {
	var body createLinkRequest
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return createLinkRequest{}, requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return createLinkRequest{}, requestError("INVALID_ARGUMENT", "JSON body 不允许多段", "")
	} else if !errors.Is(err, io.EOF) {
		return createLinkRequest{}, requestError("INVALID_ARGUMENT", "JSON body 解析失败", err.Error())
	}
	if strings.TrimSpace(body.URL) == "" {
		return createLinkRequest{}, requestError("INVALID_ARGUMENT", "请提供目标URL", "expected: {\"url\": \"https://...\"}")
	}
	return body, nil
}

// handleSessionRedirect expands /s/{id}?url=X into the equivalent /proxy URL.
// The session id is carried along only when the session pins an upstream
// proxy; filters are spelled out.
func (s *server) handleSessionRedirect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	sess, err := s.deps.Sessions.Lookup(id)
	if err != nil {
		s.writeErrorFromErr(w, r, sessionError(id, err))
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get(paramURL))
	if raw == "" {
		s.writeErrorFromErr(w, r, requestError("INVALID_ARGUMENT", "请提供目标URL", "expected: /s/{sessionId}?url=<absolute url>"))
		return
	}

	loc := rewrite.ProxyPath + "?" + paramURL + "=" + url.QueryEscape(raw) + sess.Filters.Query()
	if sess.Proxy != nil {
		loc += "&" + paramSession + "=" + sess.ID
	}
	http.Redirect(w, r, loc, http.StatusFound)
}

func (s *server) handleCannonFodderDomain(w http.ResponseWriter, r *http.Request) {
	host, err := s.deps.Router.MintHost()
	if err != nil {
		s.writeErrorFromErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"domain": host})
}

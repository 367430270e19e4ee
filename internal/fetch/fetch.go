// Package fetch is the upstream dispatcher: it reaches a target directly or
// through an upstream proxy, walks the TLS fallback ladder and decodes the body.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

type Kind int

const (
	KindPage Kind = iota
	KindResource
	KindFeed
)

func (k Kind) stage() string {
	switch k {
	case KindPage:
		return "fetch_page"
	case KindResource:
		return "fetch_resource"
	case KindFeed:
		return "fetch_feed"
	default:
		return "fetch"
	}
}

type Options struct {
	PageTimeout     time.Duration // default 30s
	ResourceTimeout time.Duration // default 10s
	FeedTimeout     time.Duration // default 30s
	MaxRedirects    int           // default 5
	MaxBodyBytes    int64         // default 20 MiB
	TLSRetryStep    time.Duration // default 250ms
	DefaultHeaders  map[string]string

	// Observe, if set, is called once per attempt with the strategy name and
	// an outcome: ok, tls_retry, failed, timeout.
	Observe func(strategy, outcome string)
}

func (o Options) withDefaults() Options {
	if o.PageTimeout <= 0 {
		o.PageTimeout = 30 * time.Second
	}
	if o.ResourceTimeout <= 0 {
		o.ResourceTimeout = 10 * time.Second
	}
	if o.FeedTimeout <= 0 {
		o.FeedTimeout = 30 * time.Second
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 5
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 20 << 20
	}
	if o.TLSRetryStep <= 0 {
		o.TLSRetryStep = 250 * time.Millisecond
	}
	return o
}

func (o Options) timeout(k Kind) time.Duration {
	switch k {
	case KindResource:
		return o.ResourceTimeout
	case KindFeed:
		return o.FeedTimeout
	default:
		return o.PageTimeout
	}
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
	errBodyTooLarge       = errors.New("response body too large")
)

// Request describes one upstream fetch.
type Request struct {
	Target      *url.URL
	Method      string // default GET
	Body        []byte
	ContentType string
	Proxy       *model.UpstreamProxy // nil or direct means no proxy
	Headers     http.Header          // applied last, overriding defaults
	Kind        Kind
}

// Response is a fully read, decoded upstream response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL *url.URL
}

type Dispatcher struct {
	opts Options
	log  *slog.Logger

	// dialer is used for direct connections and to reach upstream proxies.
	dialer *net.Dialer
}

func New(opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		opts:   opts.withDefaults(),
		log:    logger,
		dialer: &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second},
	}
}

// Fetch issues req. Non-2xx upstream statuses are returned as a Response, not
// an error; errors are always *FetchError.
//
// When a proxied fetch fails at the transport level, the whole attempt is
// repeated once without the proxy.
func (d *Dispatcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	stage := req.Kind.stage()
	if req.Target == nil || (req.Target.Scheme != "http" && req.Target.Scheme != "https") || req.Target.Host == "" {
		raw := ""
		if req.Target != nil {
			raw = req.Target.String()
		}
		return nil, &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "仅允许 http/https URL",
				Stage:   stage,
				URL:     raw,
			},
			Cause: errInvalidURLOrScheme,
		}
	}

	var proxy model.UpstreamProxy
	if req.Proxy != nil {
		proxy = *req.Proxy
	}
	strategy, err := selectStrategy(req.Target.Scheme, proxy)
	if err != nil {
		return nil, &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "UNSUPPORTED_PROTOCOL",
				Message: "不支持的上游代理协议",
				Stage:   stage,
				URL:     req.Target.String(),
				Hint:    "expected: http|https|socks4|socks5",
			},
			Cause: err,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout(req.Kind))
	defer cancel()

	resp, err := d.ladder(ctx, req, strategy, proxy)
	if err == nil || strategy == StrategyDirect || !directRetryable(err) {
		return resp, err
	}

	d.log.Warn("upstream proxy failed; retrying direct",
		"target", req.Target.String(), "strategy", strategy.String(), "proxy", proxy.String(), "err", err)
	if d.opts.Observe != nil {
		d.opts.Observe(strategy.String(), "direct_fallback")
	}
	return d.ladder(ctx, req, StrategyDirect, model.UpstreamProxy{})
}

// ladder runs attempts over TLSProfiles. Only TLS negotiation failures move
// to the next profile; the wait before attempt n is TLSRetryStep*n.
func (d *Dispatcher) ladder(ctx context.Context, req Request, strategy Strategy, proxy model.UpstreamProxy) (*Response, error) {
	profiles := TLSProfiles()
	attempt := 0

	op := func() (*Response, error) {
		profile := profiles[attempt]
		attempt++

		resp, err := d.attempt(ctx, req, strategy, proxy, profile)
		if err == nil {
			d.observe(strategy, "ok")
			return resp, nil
		}

		fe := d.classify(req, err)
		retry := attempt < len(profiles) && isTLSNegotiationError(err)
		d.log.Debug("upstream attempt failed",
			"target", req.Target.String(), "code", fe.AppError.Code, "attempt", attempt,
			"tls_profile", profile.Name, "strategy", strategy.String(), "proxy", proxy.String(), "err", err)
		switch {
		case retry:
			d.observe(strategy, "tls_retry")
			return nil, fe
		case fe.Status == http.StatusGatewayTimeout:
			d.observe(strategy, "timeout")
		default:
			d.observe(strategy, "failed")
		}
		return nil, backoff.Permanent(fe)
	}

	var b backoff.BackOff = &linearBackOff{step: d.opts.TLSRetryStep}
	b = backoff.WithContext(b, ctx)
	b = backoff.WithMaxRetries(b, uint64(len(profiles)-1))

	resp, err := backoff.RetryWithData[*Response](op, b)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		// Context ended while waiting between attempts.
		return nil, d.classify(req, err)
	}
	return resp, nil
}

func (d *Dispatcher) observe(s Strategy, outcome string) {
	if d.opts.Observe != nil {
		d.opts.Observe(s.String(), outcome)
	}
}

// attempt issues one request with a fresh transport built for profile.
func (d *Dispatcher) attempt(ctx context.Context, req Request, strategy Strategy, proxy model.UpstreamProxy, profile TLSProfile) (*Response, error) {
	tr, err := d.transport(strategy, proxy, profile)
	if err != nil {
		return nil, err
	}
	defer tr.CloseIdleConnections()

	maxRedirects := d.opts.MaxRedirects
	client := &http.Client{
		Transport: tr,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			// 1st redirect => len(via)==1, 5th redirect => len(via)==5.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.Target.String(), body)
	if err != nil {
		return nil, err
	}
	hreq.Header = buildHeaders(req, d.opts.DefaultHeaders)
	hreq.Host = req.Target.Host
	if h := hreq.Header.Get("Host"); h != "" {
		hreq.Host = h
		hreq.Header.Del("Host")
	}

	resp, err := client.Do(hreq)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > d.opts.MaxBodyBytes {
		return nil, errBodyTooLarge
	}

	header := resp.Header.Clone()
	decoded, err := decodeBody(raw, header.Get("Content-Encoding"), d.opts.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, err
		}
		// Mislabelled encodings are common; keep the raw bytes.
		d.log.Debug("content decoding failed; serving raw body",
			"target", req.Target.String(), "encoding", header.Get("Content-Encoding"), "err", err)
	} else if decoded != nil {
		raw = decoded
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	final := req.Target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return &Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     raw,
		FinalURL: final,
	}, nil
}

// classify maps a raw attempt error to a *FetchError. The target URL is
// recorded; the upstream proxy never is.
func (d *Dispatcher) classify(req Request, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	stage := req.Kind.stage()
	target := req.Target.String()

	switch {
	case errors.Is(err, errTooManyRedirects):
		return &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("重定向次数超过上限（>%d）", d.opts.MaxRedirects),
				Stage:   stage,
				URL:     target,
			},
			Cause: err,
		}
	case errors.Is(err, errRedirectBadScheme):
		return &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "重定向目标仅允许 http/https",
				Stage:   stage,
				URL:     target,
			},
			Cause: err,
		}
	case errors.Is(err, errBodyTooLarge):
		return &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "TOO_LARGE",
				Message: fmt.Sprintf("远程资源过大（>%d bytes）", d.opts.MaxBodyBytes),
				Stage:   stage,
				URL:     target,
			},
			Cause: err,
		}
	case isTimeout(err):
		return &FetchError{
			Status: http.StatusGatewayTimeout,
			AppError: model.AppError{
				Code:    "FETCH_TIMEOUT",
				Message: "拉取远程资源超时",
				Stage:   stage,
				URL:     target,
			},
			Cause: err,
		}
	default:
		return &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "拉取远程资源失败",
				Stage:   stage,
				URL:     target,
			},
			Cause: err,
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// directRetryable reports whether a proxied failure is a transport failure
// worth repeating without the proxy.
func directRetryable(err error) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	if fe.AppError.Code != "FETCH_FAILED" {
		return false
	}
	return !errors.Is(err, errTooManyRedirects) && !errors.Is(err, errRedirectBadScheme) &&
		!errors.Is(err, context.Canceled)
}

// FetchText is a convenience for feed downloads: GET, 2xx required, body as string.
func (d *Dispatcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", &FetchError{
			Status: http.StatusBadRequest,
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "请求 URL 不合法",
				Stage:   KindFeed.stage(),
				URL:     rawURL,
			},
			Cause: errors.Join(errInvalidURLOrScheme, err),
		}
	}
	resp, err := d.Fetch(ctx, Request{Target: u, Kind: KindFeed})
	if err != nil {
		return "", err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", &FetchError{
			Status: http.StatusBadGateway,
			AppError: model.AppError{
				Code:    "UPSTREAM_STATUS",
				Message: fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.Status),
				Stage:   KindFeed.stage(),
				URL:     rawURL,
			},
		}
	}
	return string(resp.Body), nil
}

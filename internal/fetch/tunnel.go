package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

// Strategy is the connection plan for a (target scheme, proxy protocol) pair.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyHTTPViaHTTP
	StrategyHTTPSViaHTTP
	StrategyHTTPViaHTTPS
	StrategyHTTPSViaHTTPS
	StrategySOCKS4
	StrategySOCKS5
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyHTTPViaHTTP:
		return "http-via-http"
	case StrategyHTTPSViaHTTP:
		return "https-via-http"
	case StrategyHTTPViaHTTPS:
		return "http-via-https"
	case StrategyHTTPSViaHTTPS:
		return "https-via-https"
	case StrategySOCKS4:
		return "socks4"
	case StrategySOCKS5:
		return "socks5"
	default:
		return "unknown"
	}
}

// selectStrategy is the single place that maps a proxy descriptor to a tunnel.
func selectStrategy(targetScheme string, p model.UpstreamProxy) (Strategy, error) {
	secure := targetScheme == "https"
	switch p.Protocol {
	case model.ProtocolNone:
		return StrategyDirect, nil
	case model.ProtocolHTTP:
		if secure {
			return StrategyHTTPSViaHTTP, nil
		}
		return StrategyHTTPViaHTTP, nil
	case model.ProtocolHTTPS:
		if secure {
			return StrategyHTTPSViaHTTPS, nil
		}
		return StrategyHTTPViaHTTPS, nil
	case model.ProtocolSOCKS4:
		return StrategySOCKS4, nil
	case model.ProtocolSOCKS5:
		return StrategySOCKS5, nil
	default:
		return 0, fmt.Errorf("%w: %d", model.ErrUnsupportedProtocol, int(p.Protocol))
	}
}

// transport builds a fresh, unshared transport for one attempt.
//
// HTTP and HTTPS proxies go through Transport.Proxy: plain targets are sent in
// absolute form, TLS targets are tunnelled with CONNECT. The TLS profile also
// covers the link to an HTTPS proxy.
func (d *Dispatcher) transport(s Strategy, p model.UpstreamProxy, profile TLSProfile) (*http.Transport, error) {
	tr := &http.Transport{
		DialContext:           d.dialer.DialContext,
		TLSClientConfig:       profile.Config(),
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0,
		DisableCompression:    true,
		MaxIdleConns:          1,
		IdleConnTimeout:       5 * time.Second,
	}

	switch s {
	case StrategyDirect:
	case StrategyHTTPViaHTTP, StrategyHTTPSViaHTTP:
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: p.Addr()})
	case StrategyHTTPViaHTTPS, StrategyHTTPSViaHTTPS:
		tr.Proxy = http.ProxyURL(&url.URL{Scheme: "https", Host: p.Addr()})
	case StrategySOCKS4:
		tr.DialContext = (&SOCKS4Dialer{Addr: p.Addr(), Forward: d.dialer}).DialContext
	case StrategySOCKS5:
		dl, err := proxy.SOCKS5("tcp", p.Addr(), nil, d.dialer)
		if err != nil {
			return nil, err
		}
		cd, ok := dl.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support context")
		}
		tr.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("%w: strategy %d", model.ErrUnsupportedProtocol, int(s))
	}
	return tr, nil
}

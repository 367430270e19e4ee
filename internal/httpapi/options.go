package httpapi

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"github.com/John-Robertt/rewrite-proxy/internal/decoy"
	"github.com/John-Robertt/rewrite-proxy/internal/fetch"
	"github.com/John-Robertt/rewrite-proxy/internal/model"
	"github.com/John-Robertt/rewrite-proxy/internal/rewrite"
	"github.com/John-Robertt/rewrite-proxy/internal/session"
)

// Options controls HTTP API runtime behavior.
type Options struct {
	// PublicScheme is the scheme of minted decoy links. Default "https".
	PublicScheme string

	// FallbackOrigin is where bare resource paths go when neither
	// originalUrl nor the Referer names a target. Empty means 404.
	FallbackOrigin string

	// CreateLinkRate and CreateLinkBurst bound session creation across all
	// clients. Defaults 5/s and 10.
	CreateLinkRate  float64
	CreateLinkBurst int

	// MaxRequestBody caps the body forwarded by POST /proxy. Default 10 MiB.
	MaxRequestBody int64

	// DecoyOriginTTL is how long a decoy host remembers the origin of the
	// last page it served, for bare resources requested without a Referer.
	// Default 1h.
	DecoyOriginTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.PublicScheme == "" {
		o.PublicScheme = "https"
	}
	if o.CreateLinkRate <= 0 {
		o.CreateLinkRate = 5
	}
	if o.CreateLinkBurst <= 0 {
		o.CreateLinkBurst = 10
	}
	if o.MaxRequestBody <= 0 {
		o.MaxRequestBody = 10 << 20
	}
	if o.DecoyOriginTTL <= 0 {
		o.DecoyOriginTTL = time.Hour
	}
	return o
}

// Fetcher is the upstream dispatcher as seen by the handlers.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
	FetchFirst(ctx context.Context, req fetch.Request, candidates []*url.URL) (*fetch.Response, error)
}

// Rewriter transforms fetched markup and stylesheets.
type Rewriter interface {
	Rewrite(body []byte, kind rewrite.Kind, ctx rewrite.Context) ([]byte, error)
}

type SessionStore interface {
	Create(p session.Profile) (model.Session, error)
	Lookup(id string) (model.Session, error)
}

// ProxyPicker returns a random upstream proxy from the pool.
type ProxyPicker interface {
	Pick() (model.UpstreamProxy, bool)
}

// Deps are the services the handlers are built on. Logger and Metrics may be
// nil; Engine nil means the built-in blocklist.
type Deps struct {
	Fetcher  Fetcher
	Engine   Rewriter
	Sessions SessionStore
	Pool     ProxyPicker
	Router   decoy.Router
	Metrics  *Metrics
	Logger   *slog.Logger
}

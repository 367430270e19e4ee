package httpapi

import (
	"log/slog"
	"net/http"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/John-Robertt/rewrite-proxy/internal/rewrite"
)

type server struct {
	deps    Deps
	opt     Options
	log     *slog.Logger
	limiter *rate.Limiter

	// decoyOrigins maps a decoy host to the origin of the page it last
	// served in masked mode.
	decoyOrigins *gocache.Cache
}

func newServer(deps Deps, opt Options) *server {
	opt = opt.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = rewrite.NewEngine(nil)
	}
	return &server{
		deps:    deps,
		opt:     opt,
		log:     deps.Logger,
		limiter: rate.NewLimiter(rate.Limit(opt.CreateLinkRate), opt.CreateLinkBurst),

		decoyOrigins: gocache.New(opt.DecoyOriginTTL, opt.DecoyOriginTTL),
	}
}

// NewMux returns the bare routes without host routing or observability.
func NewMux(deps Deps, opt Options) *http.ServeMux {
	return newServer(deps, opt).mux()
}

func (s *server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	mux.HandleFunc("GET "+rewrite.ProxyPath, s.handleProxy)
	mux.HandleFunc("POST "+rewrite.ProxyPath, s.handleProxy)
	mux.HandleFunc("POST /api/create-link", s.handleCreateLink)
	mux.HandleFunc("GET /api/cannon-fodder-domain", s.handleCannonFodderDomain)
	mux.HandleFunc("GET /s/{sessionId}", s.handleSessionRedirect)
	mux.HandleFunc("GET /", s.handleResourceFallback)
	return mux
}

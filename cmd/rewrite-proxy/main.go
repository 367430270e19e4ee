package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"github.com/John-Robertt/rewrite-proxy/internal/config"
	"github.com/John-Robertt/rewrite-proxy/internal/decoy"
	"github.com/John-Robertt/rewrite-proxy/internal/fetch"
	"github.com/John-Robertt/rewrite-proxy/internal/httpapi"
	"github.com/John-Robertt/rewrite-proxy/internal/pool"
	"github.com/John-Robertt/rewrite-proxy/internal/rewrite"
	"github.com/John-Robertt/rewrite-proxy/internal/rules"
	"github.com/John-Robertt/rewrite-proxy/internal/session"
)

func main() {
	fs := flag.CommandLine
	flags := config.RegisterFlags(fs)
	healthcheck := fs.Bool("healthcheck", false, "请求本地 /health 后退出（用于容器健康检查）")
	flag.Parse()

	cfg, err := config.Load(flags.ConfigPath, os.Getenv)
	if err == nil {
		flags.Apply(&cfg, fs)
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(2)
	}

	if *healthcheck {
		u, err := deriveHealthURL(cfg.Listen)
		if err == nil {
			err = runHealthcheck(u, healthHost(cfg.CanonicalHosts), 3*time.Second)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "healthcheck: %v\n", err)
			os.Exit(1)
		}
		return
	}

	lvl, _ := cfg.SlogLevel()
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   lvl,
		NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// app is everything the server needs, wired from one Config.
type app struct {
	handler   http.Handler
	refresher *pool.Refresher
}

func build(cfg config.Config, logger *slog.Logger) (*app, error) {
	ruleSet := rules.Default()
	if cfg.BlocklistFile != "" {
		b, err := os.ReadFile(cfg.BlocklistFile)
		if err != nil {
			return nil, fmt.Errorf("read blocklist: %w", err)
		}
		extra, err := rules.ParseBlocklistText(cfg.BlocklistFile, string(b), rules.CategoryAd)
		if err != nil {
			return nil, err
		}
		ruleSet = append(ruleSet, extra...)
		logger.Info("blocklist loaded", "path", cfg.BlocklistFile, "rules", len(extra))
	}
	for _, line := range cfg.BlockRules {
		r, err := rules.ParseInlineRule(line)
		if err != nil {
			return nil, fmt.Errorf("block_rules %q: %w", line, err)
		}
		ruleSet = append(ruleSet, r)
	}

	proxies := pool.New(nil)
	sessions := session.NewStore(session.Options{
		TTL:           cfg.SessionTTL,
		SweepInterval: cfg.SessionSweepInterval,
		Tombstone:     cfg.SessionTombstone,
	}, nil)
	metrics := httpapi.NewMetrics(proxies.Len, sessions.Len)

	dispatcher := fetch.New(fetch.Options{
		PageTimeout:     cfg.PageTimeout,
		ResourceTimeout: cfg.ResourceTimeout,
		FeedTimeout:     cfg.Pool.FetchTimeout,
		MaxRedirects:    cfg.MaxRedirects,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		TLSRetryStep:    cfg.TLSRetryStep,
		DefaultHeaders:  cfg.DefaultHeaders,
		Observe:         metrics.ObserveUpstream,
	}, logger)

	feeds := make([]pool.Feed, 0, len(cfg.Pool.Feeds))
	for _, f := range cfg.Pool.Feeds {
		feeds = append(feeds, pool.Feed{URL: f.URL, Protocol: f.Protocol})
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Fetcher:  dispatcher,
		Engine:   rewrite.NewEngine(rules.NewMatcher(ruleSet)),
		Sessions: sessions,
		Pool:     proxies,
		Router:   decoy.Router{Suffix: cfg.DecoyDomain, Canonical: cfg.CanonicalHosts},
		Metrics:  metrics,
		Logger:   logger,
	}, httpapi.Options{
		PublicScheme:    cfg.PublicScheme,
		FallbackOrigin:  cfg.FallbackOrigin,
		CreateLinkRate:  cfg.CreateLinkRate,
		CreateLinkBurst: cfg.CreateLinkBurst,
	})

	return &app{
		handler: handler,
		refresher: &pool.Refresher{
			Pool:   proxies,
			Feeds:  feeds,
			Fetch:  dispatcher.FetchText,
			Logger: logger,
			OnRefresh: metrics.PoolRefreshed,
		},
	}, nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	a, err := build(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(a.refresher.Feeds) > 0 {
		go a.refresher.Run(ctx, cfg.Pool.RefreshInterval)
	} else {
		logger.Info("no proxy feeds configured; proxy=random will answer POOL_EMPTY")
	}

	logger.Info("listening",
		"addr", "http://"+cfg.Listen,
		"decoy_domain", cfg.DecoyDomain,
		"canonical_hosts", cfg.CanonicalHosts,
		"feeds", len(a.refresher.Feeds))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn("graceful shutdown failed", "err", err)
			_ = srv.Close()
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// deriveHealthURL maps a listen address to the loopback /health URL.
func deriveHealthURL(listen string) (string, error) {
	s := strings.TrimSpace(listen)
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, "/")
	if !strings.Contains(s, ":") {
		s = ":" + s
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid listen address %q: missing port", listen)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health", nil
}

// healthHost picks the Host header the local health probe must carry to pass
// the canonical allow-list. Empty means any host is accepted.
func healthHost(canonical []string) string {
	for _, h := range canonical {
		if h == "*" {
			return ""
		}
	}
	for _, h := range canonical {
		if h = strings.TrimSpace(h); h != "" {
			return h
		}
	}
	return ""
}

// runHealthcheck dials u and sends host, when set, as the Host header.
func runHealthcheck(u, host string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if host != "" {
		req.Host = host
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

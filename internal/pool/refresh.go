package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/rewrite-proxy/internal/feed"
	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

// FetchFunc downloads one feed body.
type FetchFunc func(ctx context.Context, feedURL string) (string, error)

// Feed is one configured proxy-list source.
type Feed struct {
	URL      string
	Protocol string // default protocol for bare host:port lines
}

var ErrNoProxies = errors.New("no proxies found in any feed")

type Refresher struct {
	Pool  *Pool
	Feeds []Feed
	Fetch FetchFunc

	// Concurrency limits parallel feed downloads; <=0 means 4.
	Concurrency int
	Logger      *slog.Logger

	// OnRefresh, if set, is called with the pool size after every successful refresh.
	OnRefresh func(size int)
}

// Refresh downloads every feed and replaces the pool when at least one proxy
// was found. On failure the previous snapshot is kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	if len(r.Feeds) == 0 {
		return nil
	}
	log := r.logger()

	limit := r.Concurrency
	if limit <= 0 {
		limit = 4
	}

	results := make([][]model.UpstreamProxy, len(r.Feeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, f := range r.Feeds {
		g.Go(func() error {
			body, err := r.Fetch(gctx, f.URL)
			if err != nil {
				log.Warn("feed fetch failed", "feed", f.URL, "err", err)
				return nil
			}
			res, err := feed.Parse(f.URL, body, f.Protocol)
			if err != nil {
				log.Warn("feed parse failed", "feed", f.URL, "err", err)
				return nil
			}
			if res.Skipped > 0 {
				log.Debug("feed lines skipped", "feed", f.URL, "skipped", res.Skipped)
			}
			results[i] = res.Proxies
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	merged := dedupe(results)
	if len(merged) == 0 {
		return fmt.Errorf("refresh %d feeds: %w", len(r.Feeds), ErrNoProxies)
	}
	r.Pool.Replace(merged)
	log.Info("proxy pool refreshed", "size", len(merged), "feeds", len(r.Feeds))
	if r.OnRefresh != nil {
		r.OnRefresh(len(merged))
	}
	return nil
}

// Run refreshes immediately and then every interval until ctx is done.
// Refresh errors are logged and never stop the loop.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	r.refreshOnce(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger().Warn("proxy pool refresh failed; keeping previous snapshot", "err", err, "size", r.Pool.Len())
	}
}

func (r *Refresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func dedupe(groups [][]model.UpstreamProxy) []model.UpstreamProxy {
	seen := make(map[model.UpstreamProxy]struct{})
	var out []model.UpstreamProxy
	for _, g := range groups {
		for _, p := range g {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

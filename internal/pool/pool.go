// Package pool holds the upstream proxy pool and keeps it fresh from feeds.
package pool

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

// Pool is a read-mostly set of upstream proxies. Readers never block;
// Replace swaps the whole snapshot.
type Pool struct {
	snap atomic.Pointer[[]model.UpstreamProxy]
}

func New(initial []model.UpstreamProxy) *Pool {
	p := &Pool{}
	p.Replace(initial)
	return p
}

// Replace installs a copy of proxies as the current snapshot.
func (p *Pool) Replace(proxies []model.UpstreamProxy) {
	cp := make([]model.UpstreamProxy, len(proxies))
	copy(cp, proxies)
	p.snap.Store(&cp)
}

// Snapshot returns the current entries. The slice must not be modified.
func (p *Pool) Snapshot() []model.UpstreamProxy {
	s := p.snap.Load()
	if s == nil {
		return nil
	}
	return *s
}

func (p *Pool) Len() int { return len(p.Snapshot()) }

// Pick returns a uniformly random entry, or false when the pool is empty.
func (p *Pool) Pick() (model.UpstreamProxy, bool) {
	s := p.Snapshot()
	if len(s) == 0 {
		return model.UpstreamProxy{}, false
	}
	return s[rand.IntN(len(s))], true
}

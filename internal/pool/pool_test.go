package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

func TestPool_PickEmpty(t *testing.T) {
	p := New(nil)
	_, ok := p.Pick()
	require.False(t, ok)
	require.Equal(t, 0, p.Len())
}

func TestPool_ReplaceCopies(t *testing.T) {
	in := []model.UpstreamProxy{{Protocol: model.ProtocolHTTP, Host: "a", Port: 1}}
	p := New(in)
	in[0].Host = "mutated"
	got, ok := p.Pick()
	require.True(t, ok)
	require.Equal(t, "a", got.Host)
}

func TestPool_ConcurrentReadersDuringReplace(t *testing.T) {
	p := New([]model.UpstreamProxy{{Protocol: model.ProtocolHTTP, Host: "a", Port: 1}})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				got, ok := p.Pick()
				if !ok || got.Port == 0 {
					t.Errorf("partial snapshot: %+v %v", got, ok)
					return
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		p.Replace([]model.UpstreamProxy{
			{Protocol: model.ProtocolSOCKS5, Host: "b", Port: 2},
			{Protocol: model.ProtocolHTTP, Host: "c", Port: 3},
		})
	}
	wg.Wait()
}

func TestRefresher_ReplacesAndDedupes(t *testing.T) {
	p := New(nil)
	bodies := map[string]string{
		"https://f1.example": "1.1.1.1:80\n2.2.2.2:80\n",
		"https://f2.example": "socks5://3.3.3.3:1080\n1.1.1.1:80\n",
		"https://f3.example": "",
	}
	var sizes []int
	r := &Refresher{
		Pool: p,
		Feeds: []Feed{
			{URL: "https://f1.example"},
			{URL: "https://f2.example"},
			{URL: "https://f3.example"},
			{URL: "https://down.example"},
		},
		Fetch: func(_ context.Context, u string) (string, error) {
			b, ok := bodies[u]
			if !ok {
				return "", errors.New("connection refused")
			}
			return b, nil
		},
		OnRefresh: func(n int) { sizes = append(sizes, n) },
	}
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []int{3}, sizes)
}

func TestRefresher_FailureKeepsPrevious(t *testing.T) {
	prev := []model.UpstreamProxy{{Protocol: model.ProtocolHTTP, Host: "keep", Port: 8080}}
	p := New(prev)
	r := &Refresher{
		Pool:  p,
		Feeds: []Feed{{URL: "https://down.example"}},
		Fetch: func(context.Context, string) (string, error) {
			return "", errors.New("boom")
		},
	}
	err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoProxies)
	require.Equal(t, prev, p.Snapshot())
}

func TestRefresher_RunStopsOnCancel(t *testing.T) {
	p := New(nil)
	calls := make(chan struct{}, 16)
	r := &Refresher{
		Pool:  p,
		Feeds: []Feed{{URL: "https://f.example"}},
		Fetch: func(context.Context, string) (string, error) {
			calls <- struct{}{}
			return "1.1.1.1:80", nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Hour)
		close(done)
	}()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatalf("initial refresh did not run")
	}
	require.Eventually(t, func() bool { return p.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

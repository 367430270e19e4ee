// Package session keeps short-lived shareable proxy configurations.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

const idBytes = 16

// Profile is the configuration bound to a session.
type Profile struct {
	Proxy   *model.UpstreamProxy
	Filters model.FilterSet
}

type Options struct {
	TTL           time.Duration // default 7 days
	SweepInterval time.Duration // default 1h
	Tombstone     time.Duration // how long expired ids answer ErrExpired; default 24h
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 7 * 24 * time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Hour
	}
	if o.Tombstone < 0 {
		o.Tombstone = 0
	} else if o.Tombstone == 0 {
		o.Tombstone = 24 * time.Hour
	}
	return o
}

// Store is an insert-only session map. Sessions are never modified after
// Create; expiry is checked on every lookup and entries are swept in the
// background once their tombstone period has passed.
type Store struct {
	opts  Options
	now   func() time.Time
	cache *gocache.Cache
	rand  func([]byte) (int, error)
}

// NewStore builds a store. clock may be nil (time.Now).
func NewStore(opts Options, clock func() time.Time) *Store {
	opts = opts.withDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		opts:  opts,
		now:   clock,
		cache: gocache.New(opts.TTL+opts.Tombstone, opts.SweepInterval),
		rand:  rand.Read,
	}
}

// Create stores a new session for p and returns it.
func (s *Store) Create(p Profile) (model.Session, error) {
	now := s.now()
	sess := model.Session{
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.TTL),
		Filters:   p.Filters,
	}
	if p.Proxy != nil {
		cp := *p.Proxy
		sess.Proxy = &cp
	}

	for attempt := 0; attempt < 3; attempt++ {
		id, err := s.newID()
		if err != nil {
			return model.Session{}, err
		}
		sess.ID = id
		if err := s.cache.Add(id, sess, gocache.DefaultExpiration); err == nil {
			return sess, nil
		}
	}
	return model.Session{}, errors.New("session id collision")
}

// Get returns the session for id. Unknown, malformed and expired ids are absent.
func (s *Store) Get(id string) (model.Session, bool) {
	sess, err := s.Lookup(id)
	return sess, err == nil
}

// Lookup is Get with the reason for absence: ErrNotFound or ErrExpired.
func (s *Store) Lookup(id string) (model.Session, error) {
	if !ValidID(id) {
		return model.Session{}, ErrNotFound
	}
	v, ok := s.cache.Get(id)
	if !ok {
		return model.Session{}, ErrNotFound
	}
	sess := v.(model.Session)
	now := s.now()
	if !sess.Expired(now) {
		return sess, nil
	}
	if !now.Before(sess.ExpiresAt.Add(s.opts.Tombstone)) {
		s.cache.Delete(id)
		return model.Session{}, ErrNotFound
	}
	return model.Session{}, ErrExpired
}

// Len counts stored entries, tombstones included.
func (s *Store) Len() int { return s.cache.ItemCount() }

func (s *Store) newID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := s.rand(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidID reports whether id has the shape of a session id (32 lowercase hex chars).
func ValidID(id string) bool {
	if len(id) != idBytes*2 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

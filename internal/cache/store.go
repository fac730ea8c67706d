package cache

import (
	"context"
	"time"

	"saldo/internal/services"
)

// Store adapts an in-process LRU cache to the context-aware cache port used
// by the services. Values are copied on the way in and out.
type Store struct {
	lru *LRUCache[[]byte]
}

var (
	_ services.Cache = (*Store)(nil)
	_ Cache[[]byte]  = (*LRUCache[[]byte])(nil)
)

func NewStore(maxEntries int, defaultTTL time.Duration) *Store {
	return &Store{lru: NewLRUCache[[]byte](maxEntries, defaultTTL)}
}

// Cleaner exposes the underlying cache to a Manager.
func (s *Store) Cleaner() Cleaner { return s.lru }

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lru.SetWithTTL(key, append([]byte(nil), value...), ttl)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.lru.Delete(key)
	return nil
}

func (s *Store) DeleteMatching(ctx context.Context, match func(key string) bool) (int, error) {
	return s.lru.DeleteFunc(match), nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.lru.Clear()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Len() int { return s.lru.Size() }

// Package onetime stores short-lived values in redis that can be redeemed
// exactly once: OAuth state nonces and external-login exchange codes.
package onetime

import (
	"context"
	"errors"
	"fmt"
	"time"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a code is unknown, expired or already used.
var ErrNotFound = errors.New("code not found")

const codeLength = 32

type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	gen    func() string
}

func NewStore(rdb *redis.Client, prefix string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	gen, err := nanoid.Standard(codeLength)
	if err != nil {
		return nil, fmt.Errorf("init code generator: %w", err)
	}
	return &Store{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		gen:    gen,
	}, nil
}

// Issue stores value under a fresh random code and returns the code.
func (s *Store) Issue(ctx context.Context, value string) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		code := s.gen()
		ok, err := s.rdb.SetNX(ctx, s.prefix+code, value, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("onetime setnx: %w", err)
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("onetime: code collision")
}

// Redeem returns the value stored under code and deletes it atomically.
func (s *Store) Redeem(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", ErrNotFound
	}
	val, err := s.rdb.GetDel(ctx, s.prefix+code).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("onetime getdel: %w", err)
	}
	return val, nil
}

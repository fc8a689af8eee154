package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentforge/core"
)

// DefaultTTL is how long run records live in Redis.
const DefaultTTL = 7 * 24 * time.Hour

// maxTxRetries bounds optimistic-lock retries of Transition.
const maxTxRetries = 8

// RedisStore keeps each run as a JSON document under "<prefix>run:<id>".
// Transitions use WATCH/MULTI so concurrent writers cannot resurrect a
// terminal run.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix for all keys (default "agentforge:").
	Prefix string
	// TTL of run records (default DefaultTTL).
	TTL time.Duration
}

// NewRedisStore creates a store from an existing client.
func NewRedisStore(client redis.UniversalClient, optFns ...func(o *RedisOptions)) *RedisStore {
	opts := RedisOptions{Prefix: "agentforge:", TTL: DefaultTTL}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

func (s *RedisStore) key(runID string) string { return s.prefix + "run:" + runID }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, rec *Record) (err error) {
	defer func() { observe("create", err) }()

	cp := rec.Clone()
	if cp.State == "" {
		cp.State = core.RunPending
	}

	now := time.Now().UTC()
	cp.CreatedAt, cp.UpdatedAt = now, now

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(cp.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if !ok {
		return ErrExists
	}

	return nil
}

// Transition implements Store.
func (s *RedisStore) Transition(ctx context.Context, runID string, u Update) (_ *Record, err error) {
	defer func() { observe("transition", err) }()

	key := s.key(runID)

	var next *Record

	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}

		if err := u.apply(rec, time.Now().UTC()); err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}

		next = rec

		return nil
	}

	for range maxTxRetries {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	if err != nil {
		return nil, err
	}

	return next, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantID, runID string) (_ *Record, err error) {
	defer func() { observe("get", err) }()

	rec, err := s.load(ctx, s.client, s.key(runID))
	if err != nil {
		return nil, err
	}

	if rec.TenantID != tenantID {
		return nil, ErrNotFound
	}

	return rec, nil
}

func (s *RedisStore) load(ctx context.Context, c getter, key string) (*Record, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("get run: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}

	return &rec, nil
}

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
)

// ErrCacheMiss: chiave assente o scaduta.
var ErrCacheMiss = errors.New("cache miss")

// KVStore abstracts Redis so tests can use an in-memory fake.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type RedisKVStore struct {
	client *redis.Client
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisKVStore) Close() error { return r.client.Close() }

// LiveState keeps the latest reading per sensor and the irrigation state in
// the KV store, so a restart resumes values and a running valve.
type LiveState struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
}

func NewLiveState(kv KVStore, prefix string, ttl time.Duration) *LiveState {
	if prefix == "" {
		prefix = "agri"
	}
	return &LiveState{kv: kv, prefix: prefix, ttl: ttl}
}

func (l *LiveState) latestKey(t model.SensorType) string { return l.prefix + ":latest:" + string(t) }

func (l *LiveState) irrigationKey() string { return l.prefix + ":irrigation" }

func (l *LiveState) SaveReadings(ctx context.Context, readings []model.Reading) error {
	for _, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := l.kv.Set(ctx, l.latestKey(r.SensorType), string(b), l.ttl); err != nil {
			return fmt.Errorf("save latest %s: %w", r.SensorType, err)
		}
	}
	return nil
}

// LoadLatest returns the stored readings for the given sensors; misses are skipped.
func (l *LiveState) LoadLatest(ctx context.Context, sensors []model.SensorType) ([]model.Reading, error) {
	out := make([]model.Reading, 0, len(sensors))
	for _, t := range sensors {
		v, err := l.kv.Get(ctx, l.latestKey(t))
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("load latest %s: %w", t, err)
		}
		var r model.Reading
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return out, fmt.Errorf("decode latest %s: %w", t, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (l *LiveState) SaveIrrigation(ctx context.Context, st model.IrrigationState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, l.irrigationKey(), string(b), l.ttl)
}

func (l *LiveState) LoadIrrigation(ctx context.Context) (model.IrrigationState, bool, error) {
	var st model.IrrigationState
	v, err := l.kv.Get(ctx, l.irrigationKey())
	if errors.Is(err, ErrCacheMiss) {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return st, false, fmt.Errorf("decode irrigation state: %w", err)
	}
	return st, true, nil
}

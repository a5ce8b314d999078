package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

// RedisReservationStore implements store.ReservationStore on redis.
// SETNX provides the atomic create-if-absent; complete/release assume
// the single-owner invariant of the reservation protocol (only the
// flow that won Reserve ever mutates a pending record).
type RedisReservationStore struct {
	client    *redis.Client
	keyPrefix string
}

type RedisStoreConfig struct {
	Addr      string
	Password  string
	KeyPrefix string
}

// NewRedisReservationStore connects to redis.
func NewRedisReservationStore(cfg RedisStoreConfig) (*RedisReservationStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "reservation"
	}
	return &RedisReservationStore{
		client:    redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		keyPrefix: prefix,
	}, nil
}

func (s *RedisReservationStore) key(identifier string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, identifier)
}

// CreateReservation claims the identifier via SETNX.
func (s *RedisReservationStore) CreateReservation(ctx context.Context, r domain.Reservation) (bool, error) {
	if r.Status == "" {
		r.Status = domain.ReservationPending
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.key(r.Identifier), payload, 0).Result()
}

// GetReservation returns the reservation unless it is still pending.
func (s *RedisReservationStore) GetReservation(ctx context.Context, identifier string) (domain.Reservation, bool, error) {
	r, ok, err := s.load(ctx, identifier)
	if err != nil || !ok {
		return domain.Reservation{}, false, err
	}
	if r.Status == domain.ReservationPending {
		return domain.Reservation{}, false, nil
	}
	if r.Status == "" {
		r.Status = domain.ReservationComplete
	}
	return r, true, nil
}

// CompleteReservation transitions pending → complete.
func (s *RedisReservationStore) CompleteReservation(ctx context.Context, identifier string, chunkCount int) error {
	r, ok, err := s.load(ctx, identifier)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrReservationNotFound
	}
	now := time.Now().UTC()
	r.Status = domain.ReservationComplete
	r.ChunkCount = chunkCount
	r.IngestedAt = &now
	r.Version++
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(identifier), payload, 0).Err()
}

// ReleaseReservation deletes a still-pending reservation.
func (s *RedisReservationStore) ReleaseReservation(ctx context.Context, identifier string) error {
	r, ok, err := s.load(ctx, identifier)
	if err != nil {
		return err
	}
	if !ok || r.Status != domain.ReservationPending {
		return store.ErrReservationNotFound
	}
	return s.client.Del(ctx, s.key(identifier)).Err()
}

func (s *RedisReservationStore) load(ctx context.Context, identifier string) (domain.Reservation, bool, error) {
	raw, err := s.client.Get(ctx, s.key(identifier)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Reservation{}, false, nil
		}
		return domain.Reservation{}, false, err
	}
	var r domain.Reservation
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Reservation{}, false, fmt.Errorf("decode reservation: %w", err)
	}
	return r, true, nil
}

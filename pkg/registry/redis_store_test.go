package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

func newRedisStore(t *testing.T) *RedisReservationStore {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	s, err := NewRedisReservationStore(RedisStoreConfig{Addr: redisSrv.Addr()})
	if err != nil {
		t.Fatalf("new redis reservation store: %v", err)
	}
	return s
}

func TestRedisCreateReservationSetNX(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	won, err := s.CreateReservation(ctx, domain.Reservation{Identifier: "id-1", Namespace: "ns", DocID: "doc-1"})
	if err != nil || !won {
		t.Fatalf("first create: won=%v err=%v", won, err)
	}
	won, err = s.CreateReservation(ctx, domain.Reservation{Identifier: "id-1", Namespace: "ns", DocID: "doc-2"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if won {
		t.Fatal("duplicate identifier must lose")
	}
}

func TestRedisPendingReservationInvisible(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, domain.Reservation{Identifier: "id-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok, _ := s.GetReservation(ctx, "id-1"); ok {
		t.Fatal("pending reservation visible")
	}

	if err := s.CompleteReservation(ctx, "id-1", 3); err != nil {
		t.Fatalf("complete: %v", err)
	}
	r, ok, err := s.GetReservation(ctx, "id-1")
	if err != nil || !ok {
		t.Fatalf("get after complete: ok=%v err=%v", ok, err)
	}
	if r.Status != domain.ReservationComplete || r.ChunkCount != 3 || r.Version != 1 {
		t.Fatalf("unexpected reservation: %+v", r)
	}
}

func TestRedisCompleteMissingReservation(t *testing.T) {
	s := newRedisStore(t)
	if err := s.CompleteReservation(context.Background(), "ghost", 1); !errors.Is(err, store.ErrReservationNotFound) {
		t.Fatalf("got %v, want ErrReservationNotFound", err)
	}
}

func TestRedisReleaseOnlyPending(t *testing.T) {
	s := newRedisStore(t)
	ctx := context.Background()

	if _, err := s.CreateReservation(ctx, domain.Reservation{Identifier: "id-1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ReleaseReservation(ctx, "id-1"); err != nil {
		t.Fatalf("release pending: %v", err)
	}
	won, err := s.CreateReservation(ctx, domain.Reservation{Identifier: "id-1"})
	if err != nil || !won {
		t.Fatalf("re-create after release: won=%v err=%v", won, err)
	}

	if err := s.CompleteReservation(ctx, "id-1", 1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.ReleaseReservation(ctx, "id-1"); !errors.Is(err, store.ErrReservationNotFound) {
		t.Fatalf("release completed: got %v, want ErrReservationNotFound", err)
	}
}

func TestRedisLegacyStatusReadsComplete(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	s, err := NewRedisReservationStore(RedisStoreConfig{Addr: redisSrv.Addr()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	// a record written before the status field existed
	redisSrv.Set("reservation:legacy", `{"identifier":"legacy","namespace":"ns","docId":"doc-1"}`)

	r, ok, err := s.GetReservation(context.Background(), "legacy")
	if err != nil || !ok {
		t.Fatalf("get legacy: ok=%v err=%v", ok, err)
	}
	if r.Status != domain.ReservationComplete {
		t.Fatalf("legacy status = %q, want complete", r.Status)
	}
}

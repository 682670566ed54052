package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/assessor/model"
)

func testResult() Result {
	return Result{StatusCode: 201, Body: json.RawMessage(`{"id":"a-1","appeal_number":"APL-2026-0badcafe"}`)}
}

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	result, found, err := store.Check(context.Background(), "idem:appeals.create:k1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
}

func TestMemoryStore_StoreAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("appeals.create", "k1")

	if err := store.Store(ctx, key, "hash-abc", testResult(), 5*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("expected cached result")
	}
	if result.StatusCode != 201 {
		t.Errorf("StatusCode = %d, want 201", result.StatusCode)
	}
	if string(result.Body) != string(testResult().Body) {
		t.Errorf("Body = %s", result.Body)
	}
}

func TestMemoryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("appeals.create", "k1")

	_ = store.Store(ctx, key, "hash-abc", testResult(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-different")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true (key exists)")
	}
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("error code = %s, want %s", model.CodeOf(err), model.ErrConflict)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Store(ctx, "k", "hash-abc", testResult(), time.Minute)
	now = now.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestRedisStore_StoreAndCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "assessor:")
	ctx := context.Background()
	key := FormatKey("appeals.create", "k1")

	result, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil || found || result != nil {
		t.Fatalf("Check before Store = (%v, %v, %v)", result, found, err)
	}

	if err := store.Store(ctx, key, "hash-abc", testResult(), 10*time.Minute); err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if !mr.Exists("assessor:" + key) {
		t.Fatal("key not written with prefix")
	}

	result, found, err = store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || result.StatusCode != 201 {
		t.Fatalf("result = %+v, found = %v", result, found)
	}

	_, _, err = store.Check(ctx, key, "hash-other")
	if model.CodeOf(err) != model.ErrConflict {
		t.Errorf("error code = %q, want CONFLICT", model.CodeOf(err))
	}
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client, "")
	ctx := context.Background()

	_ = store.Store(ctx, "k", "h", testResult(), time.Minute)
	mr.FastForward(2 * time.Minute)

	_, found, err := store.Check(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true after TTL expiry")
	}
}

func TestHashBody(t *testing.T) {
	if HashBody([]byte(`{"a":1}`)) != HashBody([]byte(`{"a":1}`)) {
		t.Error("hash is not deterministic")
	}
	if HashBody([]byte(`{"a":1}`)) == HashBody([]byte(`{"a":2}`)) {
		t.Error("different bodies share a hash")
	}
}

package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestJWKSClient_concurrentMissesShareOneFetch(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwk := rsaKeyToJWK("shared", &rsaKey.PublicKey)

	var fetches atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Hour, zap.NewNop())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.GetKey("shared")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("GetKey: %v", err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}

func TestJWKSClient_skipsUnusableKeys(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwks := startJWKSServer(t,
		map[string]any{"kid": "sym", "kty": "oct", "k": "c2VjcmV0"},
		map[string]any{"kid": "bad-ec", "kty": "EC", "crv": "P-192", "x": "AA", "y": "AA"},
		map[string]any{"kty": "RSA", "n": "AQAB", "e": "AQAB"},
		rsaKeyToJWK("good", &rsaKey.PublicKey),
	)

	client := NewJWKSClient(jwks.URL, time.Hour, zap.NewNop())
	if _, err := client.GetKey("good"); err != nil {
		t.Fatalf("GetKey(good): %v", err)
	}
	for _, kid := range []string{"sym", "bad-ec"} {
		if _, err := client.GetKey(kid); err == nil {
			t.Errorf("GetKey(%s) should fail", kid)
		}
	}
}

func TestJWKSClient_staleKeyServedWhenRefreshFails(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwk := rsaKeyToJWK("stale", &rsaKey.PublicKey)

	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{jwk}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Millisecond, zap.NewNop())
	client.minRefresh = 0
	if _, err := client.GetKey("stale"); err != nil {
		t.Fatalf("first GetKey: %v", err)
	}

	down.Store(true)
	time.Sleep(5 * time.Millisecond)
	if _, err := client.GetKey("stale"); err != nil {
		t.Errorf("expired key should be served while the provider is down: %v", err)
	}
}

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/geo"
)

func TestBoundsFromQuery(t *testing.T) {
	full := map[string][]string{
		"minLat": {"37.0"}, "maxLat": {"38.0"},
		"minLon": {"-122.5"}, "maxLon": {"-121.5"},
	}
	f := boundsFromQuery(full)
	if f.MinLat != 37.0 || f.MaxLon != -121.5 {
		t.Errorf("filter = %+v", f)
	}

	// A partial box must be ignored rather than half-applied.
	partial := map[string][]string{"minLat": {"37.0"}}
	if f := boundsFromQuery(partial); f != (database.SampleFilter{}) {
		t.Errorf("partial box applied: %+v", f)
	}
}

func TestTileInBounds(t *testing.T) {
	tile, _ := geo.TileKey(geo.Encode(37.5, -122.0, geo.SamplePrecision))
	in := database.SampleFilter{MinLat: 37.0, MaxLat: 38.0, MinLon: -122.5, MaxLon: -121.5}
	if !TileInBounds(in, tile) {
		t.Errorf("tile %s should be inside %+v", tile, in)
	}
	out := database.SampleFilter{MinLat: 40.0, MaxLat: 41.0, MinLon: -122.5, MaxLon: -121.5}
	if TileInBounds(out, tile) {
		t.Errorf("tile %s should be outside %+v", tile, out)
	}
	// No box means everything qualifies, even a broken tile key.
	if !TileInBounds(database.SampleFilter{}, "not-a-tile") {
		t.Error("empty filter must accept every tile")
	}
	// A broken tile key never matches an actual box.
	if TileInBounds(in, "!!") {
		t.Error("undecodable tile matched a bounding box")
	}
}

func TestPrepareSample(t *testing.T) {
	h := &Handler{Region: geo.Region{CenterLat: 37.5, CenterLon: -122.0, MaxDistanceMeters: 100_000}}

	// Geohash present: coordinates are derived from it.
	s, ok := h.prepareSample(database.Sample{Geohash: geo.Encode(37.5, -122.0, geo.SamplePrecision)})
	if !ok {
		t.Fatal("valid sample rejected")
	}
	if s.Lat == 0 || s.Date == 0 {
		t.Errorf("prepared sample missing derived fields: %+v", s)
	}

	// No geohash but usable coordinates: geohash gets encoded.
	s, ok = h.prepareSample(database.Sample{Lat: 37.6, Lon: -122.1, Date: 123})
	if !ok || len(s.Geohash) != geo.SamplePrecision {
		t.Errorf("coordinate fallback failed: %+v ok=%v", s, ok)
	}
	if s.Date != 123 {
		t.Errorf("explicit date overwritten: %d", s.Date)
	}

	// Outside the region: rejected.
	if _, ok := h.prepareSample(database.Sample{Lat: 45.0, Lon: -100.0}); ok {
		t.Error("out-of-region sample accepted")
	}
	// No usable location at all.
	if _, ok := h.prepareSample(database.Sample{}); ok {
		t.Error("locationless sample accepted")
	}
	// Garbage geohash.
	if _, ok := h.prepareSample(database.Sample{Geohash: "!!!!"}); ok {
		t.Error("malformed geohash accepted")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct{ remote, want string }{
		{"203.0.113.9:51234", "203.0.113.9"},
		{"[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tc := range tests {
		r := &http.Request{RemoteAddr: tc.remote}
		if got := clientIP(r); got != tc.want {
			t.Errorf("clientIP(%q) = %q, want %q", tc.remote, got, tc.want)
		}
	}
}

// TestRateLimiterSequencing: two general requests from one IP proceed in
// order; the second only gets its permit after the first releases.
func TestRateLimiterSequencing(t *testing.T) {
	limiter := NewRateLimiter(10 * time.Millisecond)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	got := make(chan struct{})
	go func() {
		second, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
		if err != nil {
			t.Errorf("second acquire: %v", err)
		}
		second.Release()
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("second request proceeded before the first released")
	case <-time.After(20 * time.Millisecond):
	}

	first.Release()
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second request never got its permit")
	}

	// A different IP is never queued behind the first.
	other, err := limiter.Acquire(ctx, "10.0.0.2", RequestHeavy)
	if err != nil {
		t.Fatalf("other ip acquire: %v", err)
	}
	other.Release()
}

// TestRateLimiterCancelledContext: a cancelled caller gets an error, not a
// permit.
func TestRateLimiterCancelledContext(t *testing.T) {
	limiter := NewRateLimiter(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := limiter.Acquire(ctx, "10.0.0.3", RequestGeneral); err == nil {
		t.Fatal("expected context error")
	}
}

// TestResolveHeavyCooldown: /api/resolve rebuilds the lookup from the full
// sample table, so it sits behind the heavy permit like the coverage
// aggregate. After one call finishes, a second from the same IP inside the
// cooldown window is turned away once its context expires.
func TestResolveHeavyCooldown(t *testing.T) {
	h := &Handler{Limiter: NewRateLimiter(time.Hour)}

	first := httptest.NewRequest(http.MethodGet, "/api/resolve?prefix=x", nil)
	first.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	h.handleResolve(rec, first)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid prefix: status %d, want 400", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	second := httptest.NewRequest(http.MethodGet, "/api/resolve?prefix=A1", nil).WithContext(ctx)
	second.RemoteAddr = "10.0.0.5:1234"
	rec = httptest.NewRecorder()
	h.handleResolve(rec, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429 inside the cooldown", rec.Code)
	}
}

func TestPermitDoubleRelease(t *testing.T) {
	limiter := NewRateLimiter(time.Millisecond)
	p, err := limiter.Acquire(context.Background(), "10.0.0.4", RequestGeneral)
	if err != nil {
		t.Fatal(err)
	}
	p.Release()
	p.Release() // must not panic
	var nilPermit *Permit
	nilPermit.Release()
}

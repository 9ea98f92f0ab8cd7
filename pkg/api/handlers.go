package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mesh-coverage-map/pkg/coverage"
	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
	"mesh-coverage-map/pkg/geo"
	"mesh-coverage-map/pkg/maintenance"
	"mesh-coverage-map/pkg/meshpath"
	"mesh-coverage-map/pkg/samplestream"
)

// =======================
// Public API entry points
// =======================

// Handler wires together the database, the scoring configuration and the
// background consolidator so HTTP routes stay small and focused on
// translating query parameters into the building blocks behind the scenes.
type Handler struct {
	DB           *database.Database
	Scoring      disambig.Config
	Region       geo.Region
	Consolidator *maintenance.Consolidator
	Limiter      *RateLimiter
	Stream       *samplestream.Bus
	Logf         func(string, ...any)
}

// NewHandler constructs a Handler. Logf is optional; pass nil if logging is
// not required.
func NewHandler(db *database.Database, scoring disambig.Config, region geo.Region, logf func(string, ...any)) *Handler {
	return &Handler{DB: db, Scoring: scoring, Region: region, Logf: logf}
}

// Register attaches API routes to the provided mux. Kept tiny and
// declarative: it simply wires URLs to helpers.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api", h.handleOverview)
	mux.HandleFunc("/api/coverage", h.handleCoverage)
	mux.HandleFunc("/api/repeaters", h.handleRepeaters)
	mux.HandleFunc("/api/resolve", h.handleResolve)
	mux.HandleFunc("/api/samples", h.handleSamples)
	mux.HandleFunc("/api/status", h.handleStatus)
	mux.HandleFunc("/qr", h.handleQR)
}

// handleOverview publishes machine-readable docs so developers understand
// which endpoints to call without reading source.
func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	overview := struct {
		Endpoints map[string]any `json:"endpoints"`
	}{
		Endpoints: map[string]any{
			"coverage": map[string]any{
				"method":      "GET",
				"path":        "/api/coverage",
				"query":       []string{"minLat", "maxLat", "minLon", "maxLon", "since"},
				"description": "Returns per-tile coverage aggregates with disambiguated repeater identities. Bounds are optional.",
			},
			"repeaters": map[string]any{
				"method":      "GET",
				"path":        "/api/repeaters",
				"query":       []string{"prefix"},
				"description": "Lists known repeater observations, optionally filtered by 2-character prefix.",
			},
			"resolve": map[string]any{
				"method":      "GET",
				"path":        "/api/resolve",
				"query":       []string{"prefix"},
				"description": "Resolves one 2-character prefix to candidate repeaters with scores and confidence.",
			},
			"submitSamples": map[string]any{
				"method":      "POST",
				"path":        "/api/samples",
				"description": "Accepts a JSON batch of propagation samples and optional repeater announcements.",
			},
			"status": map[string]any{
				"method":      "GET",
				"path":        "/api/status",
				"description": "Reports stored sample counts and the last consolidation run.",
			},
		},
	}
	h.respondJSON(w, overview)
}

// boundsFromQuery reads an optional bounding box. All four parameters must be
// present for the box to apply; a partial box is treated as none.
func boundsFromQuery(q map[string][]string) database.SampleFilter {
	get := func(key string) (float64, bool) {
		vals := q[key]
		if len(vals) == 0 {
			return 0, false
		}
		v, err := strconv.ParseFloat(vals[0], 64)
		return v, err == nil
	}
	minLat, ok1 := get("minLat")
	maxLat, ok2 := get("maxLat")
	minLon, ok3 := get("minLon")
	maxLon, ok4 := get("maxLon")
	if !(ok1 && ok2 && ok3 && ok4) {
		return database.SampleFilter{}
	}
	return database.SampleFilter{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}
}

// handleCoverage builds the live coverage view: raw samples aggregated with
// disambiguated identities, then merged with the persisted rows the
// consolidation job produced for retired samples.
func (h *Handler) handleCoverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if permit, err := h.acquire(r, RequestHeavy); err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	} else if permit != nil {
		defer permit.Release()
	}

	filter := boundsFromQuery(r.URL.Query())
	if since := r.URL.Query().Get("since"); since != "" {
		if v, err := strconv.ParseInt(since, 10, 64); err == nil {
			filter.Since = v
		}
	}

	repeaters, err := h.DB.GetRepeaters(ctx)
	if err != nil {
		h.fail(w, "load repeaters", err)
		return
	}
	samples, err := h.DB.GetSamples(ctx, filter)
	if err != nil {
		h.fail(w, "load samples", err)
		return
	}

	lookup := disambig.BuildLookup(repeaters, samples, time.Now(), h.Scoring)
	tiles := coverage.Aggregate(samples, lookup)

	persisted, err := h.DB.GetCoverage(ctx, nil)
	if err != nil {
		h.fail(w, "load coverage", err)
		return
	}
	for _, row := range persisted {
		if !TileInBounds(filter, row.Tile) {
			continue
		}
		coverage.MergeRow(tiles, row)
	}

	resp := struct {
		GeneratedAt int64                    `json:"generatedAt"`
		Tiles       []database.CoverageRow   `json:"tiles"`
		Prefixes    map[string]prefixSummary `json:"prefixes,omitempty"`
	}{
		GeneratedAt: time.Now().Unix(),
		Tiles:       coverage.Rows(tiles),
		Prefixes:    summarizePrefixes(lookup),
	}
	h.respondJSON(w, resp)
}

// prefixSummary condenses one disambiguation entry for the coverage response;
// full candidate detail stays behind /api/resolve.
type prefixSummary struct {
	BestMatch   string  `json:"bestMatch,omitempty"`
	Confidence  float64 `json:"confidence"`
	Unambiguous bool    `json:"unambiguous"`
	Candidates  int     `json:"candidates"`
}

func summarizePrefixes(lookup *disambig.Lookup) map[string]prefixSummary {
	prefixes := lookup.Prefixes()
	if len(prefixes) == 0 {
		return nil
	}
	out := make(map[string]prefixSummary, len(prefixes))
	for _, p := range prefixes {
		e := lookup.Entry(p)
		out[p] = prefixSummary{
			BestMatch:   e.BestMatch,
			Confidence:  e.Confidence,
			Unambiguous: e.Unambiguous,
			Candidates:  len(e.Candidates),
		}
	}
	return out
}

// handleRepeaters lists the repeater observations the collectors reported,
// optionally narrowed to one prefix so operators can inspect a collision.
func (h *Handler) handleRepeaters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if permit, err := h.acquire(r, RequestGeneral); err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	} else if permit != nil {
		defer permit.Release()
	}

	var (
		repeaters []database.Repeater
		err       error
	)
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		if meshpath.PrefixFrom(prefix) == "" {
			http.Error(w, "invalid prefix", http.StatusBadRequest)
			return
		}
		repeaters, err = h.DB.GetRepeatersByPrefix(ctx, prefix)
	} else {
		repeaters, err = h.DB.GetRepeaters(ctx)
	}
	if err != nil {
		h.fail(w, "load repeaters", err)
		return
	}
	resp := struct {
		Total     int                 `json:"total"`
		Repeaters []database.Repeater `json:"repeaters"`
	}{Total: len(repeaters), Repeaters: repeaters}
	h.respondJSON(w, resp)
}

// handleResolve exposes the disambiguation engine for one prefix, candidates
// and scores included, so operators can see why the map picked a repeater.
// Rebuilding the lookup reads the full sample table, so the endpoint sits
// behind the same heavy permit as the coverage aggregate.
func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if permit, err := h.acquire(r, RequestHeavy); err != nil {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	} else if permit != nil {
		defer permit.Release()
	}

	prefix := meshpath.PrefixFrom(r.URL.Query().Get("prefix"))
	if prefix == "" {
		http.Error(w, "prefix parameter required (2 hex characters)", http.StatusBadRequest)
		return
	}

	repeaters, err := h.DB.GetRepeaters(ctx)
	if err != nil {
		h.fail(w, "load repeaters", err)
		return
	}
	samples, err := h.DB.GetSamples(ctx, database.SampleFilter{})
	if err != nil {
		h.fail(w, "load samples", err)
		return
	}

	lookup := disambig.BuildLookup(repeaters, samples, time.Now(), h.Scoring)
	entry := lookup.Entry(prefix)
	if entry == nil {
		http.Error(w, "unknown prefix", http.StatusNotFound)
		return
	}
	h.respondJSON(w, entry)
}

// sampleSubmission is the POST /api/samples payload: a batch of samples plus
// optional repeater announcements heard on the same uplink.
type sampleSubmission struct {
	Samples   []database.Sample   `json:"samples"`
	Repeaters []database.Repeater `json:"repeaters,omitempty"`
}

// handleSamples ingests a batch. Samples outside the configured region or
// with an unusable location are rejected per row rather than failing the
// whole batch; the response reports both counts.
func (h *Handler) handleSamples(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var payload sampleSubmission
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	if err := dec.Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	accepted := make([]database.Sample, 0, len(payload.Samples))
	rejected := 0
	for _, s := range payload.Samples {
		prepared, ok := h.prepareSample(s)
		if !ok {
			rejected++
			continue
		}
		accepted = append(accepted, prepared)
	}

	if err := h.DB.InsertSamples(ctx, accepted); err != nil {
		h.fail(w, "store samples", err)
		return
	}
	if err := h.DB.UpsertRepeaters(ctx, payload.Repeaters); err != nil {
		h.fail(w, "store repeaters", err)
		return
	}
	for _, s := range accepted {
		h.Stream.Publish(s)
	}

	if h.Logf != nil && len(accepted) > 0 {
		h.Logf("accepted %d samples (%d rejected) from %s", len(accepted), rejected, clientIP(r))
	}

	resp := struct {
		Accepted int `json:"accepted"`
		Rejected int `json:"rejected"`
	}{Accepted: len(accepted), Rejected: rejected}
	h.respondJSON(w, resp)
}

// prepareSample validates and normalizes one submitted sample. A sample needs
// a usable location: either a decodable geohash or a lat/lon pair we can
// encode ourselves. Locations outside the configured region are dropped.
func (h *Handler) prepareSample(s database.Sample) (database.Sample, bool) {
	s.Geohash = strings.ToLower(strings.TrimSpace(s.Geohash))

	if s.Geohash != "" {
		lat, lon, err := geo.DecodeCenter(s.Geohash)
		if err != nil {
			return s, false
		}
		s.Lat, s.Lon = lat, lon
	} else {
		if s.Lat == 0 && s.Lon == 0 {
			return s, false
		}
		s.Geohash = geo.Encode(s.Lat, s.Lon, geo.SamplePrecision)
	}

	if !h.Region.Contains(s.Lat, s.Lon) {
		return s, false
	}
	if s.Date == 0 {
		s.Date = time.Now().Unix()
	}
	return s, true
}

// handleStatus reports stored counts and the last consolidation run.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	samples, err := h.DB.CountSamples(ctx)
	if err != nil {
		h.fail(w, "count samples", err)
		return
	}
	repeaters, err := h.DB.GetRepeaters(ctx)
	if err != nil {
		h.fail(w, "load repeaters", err)
		return
	}

	resp := struct {
		Samples       int64              `json:"samples"`
		Repeaters     int                `json:"repeaters"`
		Consolidation *maintenance.Stats `json:"consolidation,omitempty"`
	}{Samples: samples, Repeaters: len(repeaters)}

	if h.Consolidator != nil {
		stats := h.Consolidator.LastRun(ctx)
		if !stats.RanAt.IsZero() {
			resp.Consolidation = &stats
		}
	}
	h.respondJSON(w, resp)
}

// =====================
// Utility helpers
// =====================

func (h *Handler) acquire(r *http.Request, kind RequestKind) (*Permit, error) {
	if h.Limiter == nil {
		return nil, nil
	}
	return h.Limiter.Acquire(r.Context(), clientIP(r), kind)
}

func (h *Handler) fail(w http.ResponseWriter, what string, err error) {
	http.Error(w, what+" failed", http.StatusInternalServerError)
	if h.Logf != nil {
		h.Logf("%s: %v", what, err)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// TileInBounds checks whether a persisted tile's center falls inside the
// request's bounding box. No box means every tile qualifies. Exported because
// the SSE streamer applies the same viewport filter.
func TileInBounds(filter database.SampleFilter, tile string) bool {
	if filter.MinLat == 0 && filter.MaxLat == 0 && filter.MinLon == 0 && filter.MaxLon == 0 {
		return true
	}
	lat, lon, err := geo.DecodeCenter(tile)
	if err != nil {
		return false
	}
	return lat >= filter.MinLat && lat <= filter.MaxLat &&
		lon >= filter.MinLon && lon <= filter.MaxLon
}

// clientIP extracts the caller address without the port; good enough for
// per-IP queuing behind a trusted proxy or direct exposure.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		addr = addr[:i]
	}
	return strings.Trim(addr, "[]")
}

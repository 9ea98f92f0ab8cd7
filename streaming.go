package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"mesh-coverage-map/pkg/api"
	"mesh-coverage-map/pkg/coverage"
	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
)

// streamCoverageHandler streams coverage tiles via Server-Sent Events.
// Persisted rows from the consolidation job go out first, as soon as the
// database yields them; the live aggregate over raw samples follows. The
// client merges the two the same way the aggregator does.
func streamCoverageHandler(h *api.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		q := r.URL.Query()
		minLat, _ := strconv.ParseFloat(q.Get("minLat"), 64)
		minLon, _ := strconv.ParseFloat(q.Get("minLon"), 64)
		maxLat, _ := strconv.ParseFloat(q.Get("maxLat"), 64)
		maxLon, _ := strconv.ParseFloat(q.Get("maxLon"), 64)
		filter := database.SampleFilter{
			MinLat: minLat, MaxLat: maxLat,
			MinLon: minLon, MaxLon: maxLon,
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		emit := func(event string, payload any) {
			b, _ := json.Marshal(payload)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
			flusher.Flush()
		}

		// Phase 1: persisted tiles straight off the database cursor,
		// restricted to the requested viewport.
		rowCh, errCh := h.DB.StreamCoverage(ctx, nil)
		for row := range rowCh {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !api.TileInBounds(filter, row.Tile) {
				continue
			}
			emit("persisted", row)
		}
		if err := <-errCh; err != nil {
			emit("done", err.Error())
			return
		}

		// Phase 2: live aggregate over raw samples in the viewport.
		repeaters, err := h.DB.GetRepeaters(ctx)
		if err != nil {
			emit("done", err.Error())
			return
		}
		samples, err := h.DB.GetSamples(ctx, filter)
		if err != nil {
			emit("done", err.Error())
			return
		}
		lookup := disambig.BuildLookup(repeaters, samples, time.Now(), h.Scoring)
		for _, row := range coverage.Rows(coverage.Aggregate(samples, lookup)) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			emit("live", row)
		}
		emit("snapshot", "complete")

		// Phase 3: follow fresh uplinks until the client disconnects.
		if h.Stream == nil {
			emit("done", "end")
			return
		}
		updates := h.Stream.Subscribe(ctx, "", 64)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-updates:
				if !ok {
					emit("done", "end")
					return
				}
				emit("sample", s)
			}
		}
	}
}

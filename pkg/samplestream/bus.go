// Package samplestream fan-outs freshly ingested samples to subscribed
// listeners without locks. Channels keep producers and consumers decoupled,
// so a burst of collector uplinks never blocks a map client and a slow
// client never blocks ingest.
package samplestream

import (
	"context"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/geo"
)

// Bus broadcasts samples keyed by coverage tile. Subscribing with an empty
// tile receives everything.
type Bus struct {
	publish     chan database.Sample
	subscribe   chan subscription
	unsubscribe chan subscription
}

type subscription struct {
	tile string
	ch   chan database.Sample
}

// NewBus constructs a broadcaster. The goroutine never stops because it is
// tied to the process lifetime and relies on caller contexts to prune
// subscribers.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan database.Sample, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
	}

	go b.run()
	return b
}

// Publish forwards a sample to interested listeners. Non-blocking so ingest
// never stalls when clients are slow or absent. Nil receiver is a no-op,
// which lets the bus stay optional in wiring.
func (b *Bus) Publish(s database.Sample) {
	if b == nil {
		return
	}
	select {
	case b.publish <- s:
	default:
	}
}

// Subscribe registers interest in samples for one tile ("" for all). The
// returned channel closes when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context, tile string, buffer int) <-chan database.Sample {
	ch := make(chan database.Sample, buffer)
	req := subscription{tile: tile, ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()

	return ch
}

func (b *Bus) run() {
	listeners := make(map[string][]chan database.Sample)

	for {
		select {
		case req := <-b.subscribe:
			listeners[req.tile] = append(listeners[req.tile], req.ch)
		case req := <-b.unsubscribe:
			chans := listeners[req.tile]
			filtered := chans[:0]
			for _, existing := range chans {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			if len(filtered) == 0 {
				delete(listeners, req.tile)
			} else {
				listeners[req.tile] = filtered
			}
		case s := <-b.publish:
			tile, ok := geo.TileKey(s.Geohash)
			if !ok {
				continue
			}
			targets := append([]chan database.Sample{}, listeners[tile]...)
			targets = append(targets, listeners[""]...)
			for _, ch := range targets {
				select {
				case ch <- s:
				default:
					// Drop for this listener rather than block the bus.
				}
			}
		}
	}
}

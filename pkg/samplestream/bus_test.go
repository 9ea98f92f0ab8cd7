package samplestream

import (
	"context"
	"testing"
	"time"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/geo"
)

func TestBusFanout(t *testing.T) {
	bus := NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gh := geo.Encode(37.5, -122.0, geo.SamplePrecision)
	tile, _ := geo.TileKey(gh)

	all := bus.Subscribe(ctx, "", 4)
	matching := bus.Subscribe(ctx, tile, 4)
	other := bus.Subscribe(ctx, "zzzzzz", 4)

	bus.Publish(database.Sample{Geohash: gh, Date: 42})

	deadline := time.After(time.Second)
	for _, ch := range []<-chan database.Sample{all, matching} {
		select {
		case s := <-ch:
			if s.Date != 42 {
				t.Errorf("got sample %+v", s)
			}
		case <-deadline:
			t.Fatal("subscriber never received the sample")
		}
	}

	select {
	case s := <-other:
		t.Errorf("unrelated tile received %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusNilAndInvalid(t *testing.T) {
	var nilBus *Bus
	nilBus.Publish(database.Sample{}) // must not panic

	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx, "", 1)

	// An undecodable geohash is dropped silently.
	bus.Publish(database.Sample{Geohash: "!!"})
	select {
	case s := <-ch:
		t.Errorf("invalid sample delivered: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusUnsubscribeOnContextEnd(t *testing.T) {
	bus := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := bus.Subscribe(ctx, "", 1)
	cancel()

	// The channel closes once the context ends.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel never closed after context cancel")
		}
	}
}

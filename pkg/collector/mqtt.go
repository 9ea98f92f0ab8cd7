// Package collector subscribes to the mesh telemetry MQTT feed and batches
// propagation reports into the database. The MQTT callback only parses and
// hands off through a buffered channel; a single batcher goroutine owns all
// database writes, so there are no mutexes anywhere in the pipeline.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/geo"
	"mesh-coverage-map/pkg/logger"
	"mesh-coverage-map/pkg/samplestream"
)

const (
	// reportBuffer absorbs broker bursts while a batch insert is running.
	reportBuffer = 1000
	// flushBatch and flushInterval bound how long a report waits before it
	// hits the database.
	flushBatch    = 200
	flushInterval = 2 * time.Second
)

// report is the wire format nodes publish. Field names stay short because
// LoRa uplinks pay for every byte.
type report struct {
	NodeID   string   `json:"id"`            // Observing node, hex with optional 0x
	Geohash  string   `json:"gh,omitempty"`  // 8-char location, preferred
	Lat      float64  `json:"lat,omitempty"` // Fallback when the node has no geohash lib
	Lon      float64  `json:"lon,omitempty"`
	Path     []string `json:"path"`          // Forwarding path, may be empty
	Time     int64    `json:"t,omitempty"`   // UNIX seconds; 0 means "now"
	SNR      *float64 `json:"snr,omitempty"` // Pointers: absent and zero differ
	RSSI     *float64 `json:"rssi,omitempty"`
	Observed bool     `json:"obs,omitempty"`

	// Optional repeater announcement heard on the same uplink.
	Repeater *announcement `json:"rep,omitempty"`
}

type announcement struct {
	Prefix string  `json:"pfx,omitempty"`
	Hash   string  `json:"hash,omitempty"`
	Name   string  `json:"name,omitempty"`
	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
}

// Collector owns the MQTT subscription and the write batcher.
type Collector struct {
	broker string
	topic  string
	region geo.Region
	db     *database.Database
	logf   func(string, ...any)

	client  mqtt.Client
	reports chan parsed
	stream  *samplestream.Bus
}

type parsed struct {
	sample   database.Sample
	repeater *database.Repeater
}

// New wires a collector; call Start to connect.
func New(broker, topic string, region geo.Region, db *database.Database, logf func(string, ...any)) *Collector {
	return &Collector{
		broker:  broker,
		topic:   topic,
		region:  region,
		db:      db,
		logf:    logf,
		reports: make(chan parsed, reportBuffer),
	}
}

// SetStream attaches a fan-out bus; stored samples are published there so
// live map clients see uplinks as they arrive.
func (c *Collector) SetStream(bus *samplestream.Bus) { c.stream = bus }

// Start connects to the broker and launches the batcher. The paho client
// handles reconnects itself; we only log the transitions.
func (c *Collector) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(fmt.Sprintf("mesh-coverage-%d", time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logf("mqtt connected, subscribing to %s", c.topic)
		token := client.Subscribe(c.topic, 0, c.onMessage)
		if token.Wait() && token.Error() != nil {
			c.logf("mqtt subscribe failed: %v", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logf("mqtt connection lost: %v (reconnecting)", err)
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", c.broker, token.Error())
	}

	go c.runBatcher(ctx)
	return nil
}

// onMessage parses one uplink and hands it to the batcher. The channel send
// is non-blocking: when the database falls behind we drop reports instead of
// stalling the MQTT client's callback goroutine.
func (c *Collector) onMessage(_ mqtt.Client, msg mqtt.Message) {
	p, err := c.parse(msg.Payload(), time.Now())
	if err != nil {
		c.logf("drop report on %s: %v", msg.Topic(), err)
		return
	}
	select {
	case c.reports <- p:
	default:
		c.logf("report buffer full, dropping uplink from %s", p.sample.NodeID)
	}
}

// parse validates a raw payload against the configured region and fills in
// the derived location fields.
func (c *Collector) parse(payload []byte, now time.Time) (parsed, error) {
	var r report
	if err := json.Unmarshal(payload, &r); err != nil {
		return parsed{}, fmt.Errorf("invalid JSON: %w", err)
	}

	s := database.Sample{
		NodeID:   strings.TrimSpace(r.NodeID),
		Path:     r.Path,
		Date:     r.Time,
		Observed: r.Observed,
	}
	if s.Date == 0 {
		s.Date = now.Unix()
	}
	if r.SNR != nil {
		s.SNR, s.SNRValid = *r.SNR, true
	}
	if r.RSSI != nil {
		s.RSSI, s.RSSIValid = *r.RSSI, true
	}

	switch {
	case r.Geohash != "":
		lat, lon, err := geo.DecodeCenter(r.Geohash)
		if err != nil {
			return parsed{}, fmt.Errorf("bad geohash %q: %w", r.Geohash, err)
		}
		s.Geohash = strings.ToLower(strings.TrimSpace(r.Geohash))
		s.Lat, s.Lon = lat, lon
	case r.Lat != 0 || r.Lon != 0:
		s.Geohash = geo.Encode(r.Lat, r.Lon, geo.SamplePrecision)
		s.Lat, s.Lon = r.Lat, r.Lon
	default:
		return parsed{}, fmt.Errorf("report carries no location")
	}

	if !c.region.Contains(s.Lat, s.Lon) {
		return parsed{}, fmt.Errorf("location %.4f,%.4f outside configured region", s.Lat, s.Lon)
	}

	out := parsed{sample: s}
	if r.Repeater != nil {
		hash := strings.TrimSpace(r.Repeater.Hash)
		if rest, ok := strings.CutPrefix(hash, "0x"); ok {
			hash = rest
		} else if rest, ok := strings.CutPrefix(hash, "0X"); ok {
			hash = rest
		}
		out.repeater = &database.Repeater{
			Prefix:   r.Repeater.Prefix,
			Hash:     strings.ToUpper(hash),
			Name:     r.Repeater.Name,
			Lat:      r.Repeater.Lat,
			Lon:      r.Repeater.Lon,
			LastSeen: s.Date,
		}
	}
	return out, nil
}

// runBatcher accumulates parsed reports and flushes them on size or time,
// whichever comes first.
func (c *Collector) runBatcher(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var (
		samples   []database.Sample
		repeaters []database.Repeater
	)

	// Each flush is one log batch: detail lines stay buffered and only
	// surface when the flush fails, so a healthy feed logs one line per
	// batch instead of one per uplink.
	flush := func() {
		if len(samples) == 0 && len(repeaters) == 0 {
			return
		}
		batchID := fmt.Sprintf("%08x", uint32(time.Now().UnixNano()))
		logger.Begin(batchID)
		logger.Append(batchID, fmt.Sprintf("mqtt flush: %d samples, %d repeater announcements", len(samples), len(repeaters)))
		for _, s := range samples {
			logger.Append(batchID, fmt.Sprintf("  sample %s @ %s path=%v", s.NodeID, s.Geohash, s.Path))
		}

		switch err := c.db.InsertSamples(ctx, samples); {
		case err != nil:
			logger.FlushError(batchID, fmt.Errorf("store samples: %w", err))
		default:
			for _, s := range samples {
				c.stream.Publish(s)
			}
			if err := c.db.UpsertRepeaters(ctx, repeaters); err != nil {
				logger.FlushError(batchID, fmt.Errorf("store repeaters: %w", err))
			} else {
				logger.Success(batchID, fmt.Sprintf("stored %d samples, %d repeaters", len(samples), len(repeaters)))
			}
		}
		samples = samples[:0]
		repeaters = repeaters[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			if c.client != nil {
				c.client.Disconnect(250)
			}
			return
		case p := <-c.reports:
			samples = append(samples, p.sample)
			if p.repeater != nil {
				repeaters = append(repeaters, *p.repeater)
			}
			if len(samples) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

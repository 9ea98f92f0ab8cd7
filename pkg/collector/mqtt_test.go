package collector

import (
	"testing"
	"time"

	"mesh-coverage-map/pkg/geo"
)

func testCollector() *Collector {
	region := geo.Region{CenterLat: 37.5, CenterLon: -122.0, MaxDistanceMeters: 100_000}
	return New("tcp://127.0.0.1:1883", "mesh/+/report", region, nil, func(string, ...any) {})
}

func TestParseReport(t *testing.T) {
	c := testCollector()
	now := time.Unix(1_700_000_000, 0)

	gh := geo.Encode(37.5, -122.0, geo.SamplePrecision)
	payload := []byte(`{"id":"0xee99","gh":"` + gh + `","path":["A1","B2"],"t":1699999000,"snr":-7.5}`)
	p, err := c.parse(payload, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s := p.sample
	if s.NodeID != "0xee99" || len(s.Path) != 2 || s.Date != 1699999000 {
		t.Errorf("sample = %+v", s)
	}
	if !s.SNRValid || s.SNR != -7.5 {
		t.Errorf("snr = %v valid=%v", s.SNR, s.SNRValid)
	}
	if s.RSSIValid {
		t.Error("absent rssi must stay invalid")
	}
	if s.Lat == 0 || s.Lon == 0 {
		t.Error("coordinates not derived from geohash")
	}
}

func TestParseCoordinateFallback(t *testing.T) {
	c := testCollector()
	p, err := c.parse([]byte(`{"id":"aa01","lat":37.6,"lon":-122.1,"path":[]}`), time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(p.sample.Geohash) != geo.SamplePrecision {
		t.Errorf("geohash = %q, want %d chars", p.sample.Geohash, geo.SamplePrecision)
	}
	// Missing timestamp falls back to receive time.
	if p.sample.Date != 1_700_000_000 {
		t.Errorf("date = %d", p.sample.Date)
	}
}

func TestParseRejections(t *testing.T) {
	c := testCollector()
	now := time.Unix(1_700_000_000, 0)

	cases := map[string]string{
		"garbage":       `{not json`,
		"no location":   `{"id":"aa01","path":["A1"]}`,
		"bad geohash":   `{"id":"aa01","gh":"!!!!","path":[]}`,
		"out of region": `{"id":"aa01","lat":45.0,"lon":-100.0,"path":[]}`,
	}
	for name, payload := range cases {
		if _, err := c.parse([]byte(payload), now); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestParseRepeaterAnnouncement(t *testing.T) {
	c := testCollector()
	payload := []byte(`{"id":"aa01","lat":37.5,"lon":-122.0,"path":[],` +
		`"rep":{"pfx":"a1","hash":"0xa1feed","name":"Ridge","lat":37.51,"lon":-122.01}}`)
	p, err := c.parse(payload, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.repeater == nil {
		t.Fatal("announcement dropped")
	}
	if p.repeater.Hash != "A1FEED" || p.repeater.LastSeen != p.sample.Date {
		t.Errorf("repeater = %+v", p.repeater)
	}
}

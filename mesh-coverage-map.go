package main

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"mesh-coverage-map/pkg/api"
	"mesh-coverage-map/pkg/collector"
	"mesh-coverage-map/pkg/database"
	"mesh-coverage-map/pkg/disambig"
	"mesh-coverage-map/pkg/geo"
	"mesh-coverage-map/pkg/maintenance"
	"mesh-coverage-map/pkg/samplestream"
)

//go:embed public_html/*
var content embed.FS

var db *database.Database

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var dbType = flag.String("db-type", "sqlite", "Type of the database driver: genji, sqlite, duckdb, or pgx (postgresql)")
var dbPath = flag.String("db-path", "", "Path to the database file (defaults to the current folder, applicable for genji, sqlite, duckdb drivers.)")
var dbConn = flag.String("db-conn", "", "Raw database DSN (applicable for pgx driver, overrides host/port/user)")
var dbHost = flag.String("db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
var dbPort = flag.Int("db-port", 5432, "Database port (applicable for pgx driver)")
var dbUser = flag.String("db-user", "postgres", "Database user (applicable for pgx driver)")
var dbPass = flag.String("db-pass", "", "Database password (applicable for pgx driver)")
var dbName = flag.String("db-name", "MeshCoverage", "Database name (applicable for pgx driver)")
var pgSSLMode = flag.String("pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var defaultLat = flag.Float64("center-lat", 37.33, "Region center latitude, also the default map view")
var defaultLon = flag.Float64("center-lon", -121.89, "Region center longitude")
var regionRadiusKm = flag.Float64("region-radius-km", 150, "Reject samples farther than this from the center; 0 disables the check")
var scoringConfig = flag.String("scoring-config", "", "Path to a YAML file overriding disambiguation scoring weights")
var mqttBroker = flag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://127.0.0.1:1883); empty disables the collector")
var mqttTopic = flag.String("mqtt-topic", "mesh/+/report", "MQTT topic filter for propagation reports")
var retentionDays = flag.Int("retention-days", 30, "Fold samples older than this into coverage tiles and delete the raw rows")
var consolidateEvery = flag.Duration("consolidate-every", time.Hour, "How often the consolidation job runs")
var heavyCooldown = flag.Duration("heavy-cooldown", 2*time.Second, "Per-IP cooldown between coverage aggregation requests")

// CompileVersion is replaced at build time via -ldflags.
var CompileVersion = "dev"

// withServerHeader wraps any http.Handler, adding a
// "Server: mesh-coverage-map/<CompileVersion>" header. A HEAD request to "/"
// answers 200 OK without a body so load balancers see the service is alive.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "mesh-coverage-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  for the ACME HTTP-01 challenge + 301 redirect to https://<domain>/
//   - :443 for HTTPS with automatic Let's Encrypt certificates.
//
// If autocert cannot issue a certificate for a host/SNI, the server still
// hands out a previously obtained fallback cert so IP-address probes do not
// fill the log with "host not configured". All errors are only logged.
func serveWithDomain(domain string, handler http.Handler) {
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>.
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address: don't block, just don't request a cert.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// :80, challenge + redirect.
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP server (ACME+redirect) on :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Daily certificate renewal check.
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// :443, HTTPS.
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// Fallback certificate for IP / odd SNI.
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		if defaultCert != nil {
			return defaultCert, nil
		}
		return nil, err
	}

	log.Printf("HTTPS server for %s on :443", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// mapHandler serves the Leaflet viewer with the configured default view
// injected so the page opens centered on the deployment's region.
func mapHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	page, err := content.ReadFile("public_html/map.html")
	if err != nil {
		http.Error(w, "map page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<script>window.DEFAULT_LAT=%f;window.DEFAULT_LON=%f;</script>\n", *defaultLat, *defaultLon)
	_, _ = w.Write(page)
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("mesh-coverage-map version %s\n", CompileVersion)
		return
	}

	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("binding to :80 / :443 requires super-user rights; run with sudo or as root")
	}

	// Database.
	dbCfg := database.Config{
		DBType:    *dbType,
		DBPath:    *dbPath,
		DBConn:    *dbConn,
		DBHost:    *dbHost,
		DBPort:    *dbPort,
		DBUser:    *dbUser,
		DBPass:    *dbPass,
		DBName:    *dbName,
		PGSSLMode: *pgSSLMode,
		Port:      *port,
	}
	var err error
	db, err = database.NewDatabase(dbCfg)
	if err != nil {
		log.Fatalf("DB init: %v", err)
	}
	if err = db.InitSchema(dbCfg); err != nil {
		log.Fatalf("DB schema: %v", err)
	}

	// Scoring weights: defaults unless a YAML override is given.
	scoring, err := disambig.Load(*scoringConfig)
	if err != nil {
		log.Fatalf("scoring config: %v", err)
	}

	region := geo.Region{
		CenterLat:         *defaultLat,
		CenterLon:         *defaultLon,
		MaxDistanceMeters: *regionRadiusKm * 1000,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background consolidation: fold old samples into coverage tiles.
	consolidator := maintenance.Start(ctx, db, scoring,
		time.Duration(*retentionDays)*24*time.Hour, *consolidateEvery, log.Printf)

	// Fan-out bus: live map clients follow fresh uplinks through it.
	stream := samplestream.NewBus(256)

	// Optional MQTT collector.
	if *mqttBroker != "" {
		c := collector.New(*mqttBroker, *mqttTopic, region, db, log.Printf)
		c.SetStream(stream)
		if err := c.Start(ctx); err != nil {
			log.Fatalf("mqtt collector: %v", err)
		}
	}

	// Routes and static assets.
	handler := api.NewHandler(db, scoring, region, log.Printf)
	handler.Consolidator = consolidator
	handler.Limiter = api.NewRateLimiter(*heavyCooldown)
	handler.Stream = stream

	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}
	http.Handle("/static/", http.StripPrefix("/static/",
		http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", mapHandler)
	http.HandleFunc("/stream_coverage", streamCoverageHandler(handler))
	handler.Register(http.DefaultServeMux)

	rootHandler := withServerHeader(http.DefaultServeMux)

	// HTTP/HTTPS servers.
	if *domain != "" {
		go serveWithDomain(*domain, rootHandler)
	} else {
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server on http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootHandler); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// Heavy indexes build in background without blocking the listeners.
	ctxIdx, cancelIdx := context.WithCancel(context.Background())
	defer cancelIdx()
	db.EnsureIndexesAsync(ctxIdx, dbCfg, func(format string, args ...any) {
		log.Printf(format, args...)
	})

	// Keep the main goroutine alive.
	select {}
}

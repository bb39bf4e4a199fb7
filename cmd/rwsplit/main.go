// Command rwsplit demonstrates the read/write split router end to
// end: it loads a server roster and routing configuration, dials each
// backend, and for every accepted client connection runs one session
// through the routing engine. Adapted from the teacher's
// cmd/tqdbproxy/main.go (flag parsing, a metrics HTTP server with
// pprof, SIGHUP config reload, SIGINT/SIGTERM shutdown).
package main

import (
	"flag"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/rwsplit/backend"
	"github.com/mevdschee/rwsplit/classify"
	"github.com/mevdschee/rwsplit/config"
	"github.com/mevdschee/rwsplit/metrics"
	"github.com/mevdschee/rwsplit/monitor"
	"github.com/mevdschee/rwsplit/router"
	"github.com/mevdschee/rwsplit/session"
	"github.com/mevdschee/rwsplit/wire"
)

func main() {
	configPath := flag.String("config", "rwsplit.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	handles, healthConns, err := dialBackends(cfg.Backends)
	if err != nil {
		log.Fatalf("Failed to dial backends: %v", err)
	}
	names := make([]string, len(cfg.Backends))
	for i, b := range cfg.Backends {
		names[i] = b.Name
	}
	roster := monitor.NewRoster(names)
	for _, h := range handles {
		roster.Publish(h.Name, monitor.Status{Roles: h.Roles(), Reachable: true, Depth: h.Depth(), Lag: h.Lag()})
	}

	stopHealth := make(chan struct{})
	go pollHealth(roster, healthConns, cfg.Backends, 10*time.Second, stopHealth)
	defer close(stopHealth)

	sessionCfg, err := sessionConfig(cfg.Routing, handles)
	if err != nil {
		log.Fatalf("Invalid routing configuration: %v", err)
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Listen, err)
	}
	log.Printf("rwsplit listening on %s, %d backends configured", cfg.Listen, len(cfg.Backends))

	go acceptLoop(listener, cfg, sessionCfg, roster)

	log.Println("rwsplit started. Press Ctrl+C to stop. Send SIGHUP to reload config.")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			log.Println("Received SIGHUP, reloading configuration...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Printf("Failed to reload config: %v", err)
				continue
			}
			cfg = newCfg
			log.Printf("Configuration reloaded - %d backends (not applied: the listener and its sessions keep the startup configuration)", len(cfg.Backends))
		case syscall.SIGINT, syscall.SIGTERM:
			log.Println("Shutting down...")
			listener.Close()
			return
		}
	}
}

func acceptLoop(listener net.Listener, cfg *config.Config, sessionCfg session.Config, roster *monitor.Roster) {
	for {
		client, err := listener.Accept()
		if err != nil {
			log.Printf("Accept error: %v", err)
			return
		}
		go func() {
			defer client.Close()
			handles, conns, err := dialBackends(cfg.Backends)
			if err != nil {
				log.Printf("Backend dial failed for new client: %v", err)
				return
			}
			defer func() {
				for _, c := range conns {
					c.Close()
				}
			}()
			handleClient(client, handles, conns, sessionCfg, roster)
		}()
	}
}

func handleClient(client net.Conn, handles []*backend.Handle, conns map[string]net.Conn, cfg session.Config, roster *monitor.Roster) {
	trx := &trxTracker{}
	sess := session.Open(handles, cfg, trx)
	eng := router.New(sess, trackingClassifier{inner: classify.Regex{}, trx: trx}, hintParser, client)
	eng.Metrics = metrics.Collector{}

	for _, h := range sess.Backends() {
		go pumpBackend(h, conns[h.Name], eng, client)
	}

	stopRefresh := make(chan struct{})
	defer close(stopRefresh)
	go func() {
		prevPrimaries := map[string]bool{}
		for _, h := range sess.Backends() {
			if h.IsPrimary() {
				prevPrimaries[h.Name] = true
			}
		}
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopRefresh:
				return
			case <-ticker.C:
				prevPrimaries = refreshFromRoster(sess, roster, prevPrimaries)
			}
		}
	}()

	for {
		payload, _, err := wire.ReadPacket(client)
		if err != nil {
			sess.Terminate()
			return
		}
		if err := eng.Route(payload); err != nil {
			log.Printf("[router] route error: %v", err)
			if sess.Terminating() {
				return
			}
		}
	}
}

// Command hub runs the fabric's central node: it accepts both direct
// clients and C2S relays on one port, owns the one authoritative
// user2Link routing table, and brokers C2S sub-user logins.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bken/relay/hub"
	"bken/relay/internal/identity"
	"bken/relay/internal/metrics"
	"bken/relay/internal/obsvr"
	"bken/relay/internal/store"
	"bken/relay/internal/timer"
	"bken/relay/internal/tlsutil"
)

func main() {
	addr := flag.String("addr", ":9000", "address to listen on for clients and C2S relays")
	dbPath := flag.String("db", "hub.db", "path to the sqlite account store")
	obsAddr := flag.String("obs-addr", ":9001", "address to serve /healthz and /metrics on")
	heartbeat := flag.Duration("heartbeat", time.Second, "reactor heartbeat period")
	redlineBytes := flag.Int("redline-bytes", 0, "per-link backpressure limit in bytes (0 = session default)")
	preamble := flag.Bool("preamble", false, "require the service-extension preamble before the msg-layer handshake")
	maxPendingAccepts := flag.Int("max-pending-accepts", 0, "cap on connections between socket accept and handshake (0 = default)")
	enableTLS := flag.Bool("tls", false, "offer SSL-EX using a generated self-signed certificate")
	tlsHostname := flag.String("tls-hostname", "", "CommonName/SAN for the generated certificate (empty: CN bken-relay, SAN localhost)")
	seedRootPassword := flag.String("seed-root-password", "", "if set, upsert the root account (1,1) with this password on startup")
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("[hub] open store: %v", err)
	}
	defer st.Close()

	if *seedRootPassword != "" {
		if err := st.UpsertAccount(identity.ClassServer, 1, store.Account{Password: *seedRootPassword, IsC2s: true}); err != nil {
			log.Fatalf("[hub] seed root account: %v", err)
		}
		log.Printf("[hub] seeded root account (1,1)")
	}

	cfg := hub.Config{
		Addr:              *addr,
		EnablePreamble:    *preamble,
		MaxPendingAccepts: int32(*maxPendingAccepts),
		Heartbeat:         *heartbeat,
		RedlineBytes:      *redlineBytes,
	}
	if *enableTLS {
		tlsCfg, fingerprint, err := tlsutil.GenerateSelfSigned(365*24*time.Hour, *tlsHostname)
		if err != nil {
			log.Fatalf("[hub] generate TLS config: %v", err)
		}
		cfg.TLSConfig = tlsCfg
		log.Printf("[hub] TLS enabled, certificate fingerprint %s", fingerprint)
	}

	timers := timer.New(*heartbeat)
	defer timers.Stop()

	srv, err := hub.New(cfg, timers, st, logObserver{})
	if err != nil {
		log.Fatalf("[hub] create server: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(srv.Table(), srv.Acceptor(), prometheus.Labels{"node": "hub"}))
	obs := obsvr.New(srv.Table(), registry)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Printf("[hub] shutting down")
		cancel()
		_ = srv.Close()
	}()

	go obs.Run(ctx, *obsAddr)
	go drainPendingKicks(ctx, srv, st, 2*time.Second)

	log.Printf("[hub] listening on %s", srv.Addr())
	if err := srv.Serve(); err != nil && ctx.Err() == nil {
		log.Fatalf("[hub] serve: %v", err)
	}
}

// drainPendingKicks polls the store's pending-kicks queue, the side
// channel the operator CLI uses to request a kick for a node it has no
// live connection to, and turns each entry into an actual router
// eviction.
func drainPendingKicks(ctx context.Context, srv *hub.Server, st *store.SqliteStore, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		users, err := st.PendingKicks()
		if err != nil {
			log.Printf("[hub] pending kicks: %v", err)
			continue
		}
		for _, u := range users {
			srv.KickoutUser(u)
			if err := st.ClearKick(u); err != nil {
				log.Printf("[hub] clear kick %s: %v", u, err)
			}
		}
	}
}

type logObserver struct{}

func (logObserver) OnOkUser(user identity.User, isC2s bool) {
	log.Printf("[hub] user online: %s (c2s=%v)", user, isC2s)
}

func (logObserver) OnCloseUser(user identity.User) {
	log.Printf("[hub] user offline: %s", user)
}

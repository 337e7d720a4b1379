// Command c2s runs a relay node: one uplink connection to the hub, one
// downlink accepting direct clients, forwarding traffic between the two
// while the hub remains the single source of truth for accounts.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bken/relay/c2s"
	"bken/relay/internal/identity"
	"bken/relay/internal/metrics"
	"bken/relay/internal/obsvr"
	"bken/relay/internal/timer"
	"bken/relay/internal/tlsutil"
)

func main() {
	listenAddr := flag.String("addr", ":9100", "address to listen on for downlink clients")
	hubAddr := flag.String("hub-addr", "127.0.0.1:9000", "address of the hub's uplink listener")
	obsAddr := flag.String("obs-addr", ":9101", "address to serve /healthz and /metrics on")

	classID := flag.Uint("class-id", uint(identity.ClassServer), "this relay's own classId")
	userID := flag.Uint64("user-id", 0, "this relay's own userId, as provisioned on the hub")
	instID := flag.Uint("inst-id", 0, "this relay's own instId")
	password := flag.String("password", "", "this relay's own account password, as provisioned on the hub")

	heartbeat := flag.Duration("heartbeat", time.Second, "reactor heartbeat period")
	redlineBytes := flag.Int("redline-bytes", 0, "per-link backpressure limit in bytes (0 = session default)")
	localTimeout := flag.Duration("local-timeout", c2s.DefaultLocalTimeout, "how long a downlink login waits for the hub before this relay gives up on it")
	reconnectInterval := flag.Duration("reconnect-interval", c2s.DefaultReconnectInterval, "delay before retrying a lost uplink")
	preamble := flag.Bool("preamble", false, "require the service-extension preamble on the downlink")
	maxPendingAccepts := flag.Int("max-pending-accepts", 0, "cap on downlink connections between socket accept and handshake (0 = default)")

	enableDownlinkTLS := flag.Bool("downlink-tls", false, "offer SSL-EX on the downlink using a generated self-signed certificate")
	requireTLS := flag.Bool("require-tls", false, "reject a downlink handshake whose session type doesn't match -downlink-tls")
	tlsHostname := flag.String("tls-hostname", "", "CommonName/SAN for the generated downlink certificate")
	uplinkServerName := flag.String("uplink-server-name", "", "SNI to present when dialing the hub over TLS (requires -uplink-tls)")
	enableUplinkTLS := flag.Bool("uplink-tls", false, "dial the hub over SSL-EX (insecure: skips certificate verification, since the hub's cert is usually self-signed)")
	flag.Parse()

	if *password == "" {
		log.Fatalf("[c2s] -password is required")
	}
	if *userID == 0 {
		log.Fatalf("[c2s] -user-id is required")
	}

	baseUser := identity.User{ClassID: uint8(*classID), UserID: *userID, InstID: uint16(*instID)}

	cfg := c2s.Config{
		ListenAddr:        *listenAddr,
		HubAddr:           *hubAddr,
		BaseUser:          baseUser,
		Password:          *password,
		Heartbeat:         *heartbeat,
		RedlineBytes:      *redlineBytes,
		LocalTimeout:      *localTimeout,
		ReconnectInterval: *reconnectInterval,
		EnablePreamble:    *preamble,
		MaxPendingAccepts: int32(*maxPendingAccepts),
		RequireTLS:        *requireTLS,
		UplinkServerName:  *uplinkServerName,
	}
	if *enableDownlinkTLS {
		tlsCfg, fingerprint, err := tlsutil.GenerateSelfSigned(365*24*time.Hour, *tlsHostname)
		if err != nil {
			log.Fatalf("[c2s] generate downlink TLS config: %v", err)
		}
		cfg.DownlinkTLSConfig = tlsCfg
		log.Printf("[c2s] downlink TLS enabled, certificate fingerprint %s", fingerprint)
	}
	if *enableUplinkTLS {
		// The hub's own certificate is normally the self-signed one cmd/hub
		// generates, so there's no CA to verify it against here.
		cfg.UplinkTLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timers := timer.New(*heartbeat)
	defer timers.Stop()

	srv, err := c2s.New(cfg, timers, logObserver{})
	if err != nil {
		log.Fatalf("[c2s] create server: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(srv.Table(), srv.Acceptor(), prometheus.Labels{"node": "c2s", "user": baseUser.String()}))
	obs := obsvr.New(srv.Table(), registry)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Printf("[c2s] shutting down")
		cancel()
		_ = srv.Close()
	}()

	go obs.Run(ctx, *obsAddr)

	log.Printf("[c2s] identity %s listening on %s, uplink to %s", baseUser, srv.Addr(), *hubAddr)
	if err := srv.Serve(); err != nil && ctx.Err() == nil {
		log.Fatalf("[c2s] serve: %v", err)
	}
}

type logObserver struct{}

func (logObserver) OnOkUser(user identity.User) {
	log.Printf("[c2s] sub-user online: %s", user)
}

func (logObserver) OnCloseUser(user identity.User) {
	log.Printf("[c2s] sub-user offline: %s", user)
}

func (logObserver) OnUplinkDown(errCode int) {
	log.Printf("[c2s] uplink lost, errCode=%d", errCode)
}

func (logObserver) OnUplinkUp(user identity.User) {
	log.Printf("[c2s] uplink established as %s", user)
}

// Command client is a reference/load-test msg-layer client: it dials a
// hub (or a C2S relay) directly, logs every event, and sends a periodic
// text message to a configured set of destinations.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"bken/relay/internal/identity"
	"bken/relay/internal/timer"
	"bken/relay/internal/wire"
	"bken/relay/msgclient"
)

func main() {
	remoteAddr := flag.String("addr", "127.0.0.1:9000", "address of the hub or C2S relay to dial")
	classID := flag.Uint("class-id", 2, "this client's classId")
	userID := flag.Uint64("user-id", 0, "this client's userId (0 requests a dynamic id from the hub)")
	instID := flag.Uint("inst-id", 0, "this client's instId")
	password := flag.String("password", "", "this account's password")
	dstList := flag.String("to", "", "comma-separated cid-uid[-iid] destinations to ping periodically, empty disables pinging")
	interval := flag.Duration("interval", 5*time.Second, "ping interval")
	message := flag.String("message", "ping", "payload text to send on each ping")
	useTLS := flag.Bool("tls", false, "dial over SSL-EX (insecure: skips certificate verification)")
	flag.Parse()

	dests, err := parseDests(*dstList)
	if err != nil {
		log.Fatalf("[client] %v", err)
	}

	timers := timer.New(time.Second)
	defer timers.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Printf("[client] shutting down")
		cancel()
	}()

	cfg := msgclient.Config{
		RemoteAddr: *remoteAddr,
		User:       identity.User{ClassID: uint8(*classID), UserID: *userID, InstID: uint16(*instID)},
		Password:   *password,
	}
	if *useTLS {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	o := &loggingObserver{}
	c, err := msgclient.Dial(cfg, timers, o)
	if err != nil {
		log.Fatalf("[client] dial: %v", err)
	}
	o.client = c
	defer c.Close()

	if len(dests) > 0 {
		go pingLoop(ctx, c, dests, *message, *interval)
	}

	<-ctx.Done()
}

func parseDests(s string) ([]identity.User, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []identity.User
	for _, part := range strings.Split(s, ",") {
		u, err := identity.ParseUser(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("parse destination %q: %w", part, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// pingLoop sends message to dests every interval, the way RunTestBot
// drives a periodic payload into a room on a ticker.
func pingLoop(ctx context.Context, c *msgclient.Client, dests []identity.User, message string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		body := fmt.Sprintf("%s #%d", message, seq)
		if !c.SendMsg([]byte(body), 0, dests) {
			log.Printf("[client] send dropped (redline backpressure)")
		}
	}
}

type loggingObserver struct {
	client *msgclient.Client
}

func (o *loggingObserver) OnOkMsg(c *msgclient.Client, user identity.User, publicIP [4]byte) {
	log.Printf("[client] connected as %s, public ip %d.%d.%d.%d", user, publicIP[0], publicIP[1], publicIP[2], publicIP[3])
}

func (o *loggingObserver) OnRecvMsg(c *msgclient.Client, body []byte, charset uint16, srcUser identity.User) {
	log.Printf("[client] recv from %s: %s", srcUser, body)
}

func (o *loggingObserver) OnTransferMsg(c *msgclient.Client, header wire.MsgHeader, body []byte) {
}

func (o *loggingObserver) OnCloseMsg(c *msgclient.Client, errCode int, tcpConnected bool) {
	log.Printf("[client] closed, errCode=%d tcpConnected=%v", errCode, tcpConnected)
	os.Exit(0)
}

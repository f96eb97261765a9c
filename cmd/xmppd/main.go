/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Command xmppd starts the XMPP server core against a YAML configuration
// file: one TCP listener (optionally STARTTLS-capable) and one HTTP
// listener multiplexing BOSH and WebSocket onto the same stream state
// machine.
package main

import (
	"crypto/tls"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"github.com/xmppcore/xmppd/c2s"
	"github.com/xmppcore/xmppd/config"
	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/log"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/server"
	"github.com/xmppcore/xmppd/storage"
	sqlhook "github.com/xmppcore/xmppd/storage/sql"
)

func main() {
	cfgPath := flag.String("config", "xmppd.yml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("xmppd: failed to load config: %v", err)
	}
	if cfg.Domain == "" {
		log.Fatalf("xmppd: domain must be set")
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.New().String()
	}

	st, err := storage.New(storage.Driver(cfg.Storage.Driver), cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("xmppd: failed to open storage: %v", err)
	}
	defer st.Close()

	hooks := sqlhook.New(st.DB())
	// Purge any (user,resource) rows this process ID owned before a prior
	// crash, per spec §4.E "MAY purge records whose server_id matches the
	// current process".
	if err := hooks.Purge(cfg.ServerID); err != nil {
		log.Error(err)
	}

	r := router.New(cfg.Domain)
	r.SetAccountChecker(hooks)

	deps := &c2s.Dependencies{
		Router:      r,
		AuthHook:    hook.NewBreakerAuthHook(hooks),
		RosterHook:  hook.NewBreakerRosterHook(hooks),
		SessionHook: hook.NewBreakerSessionHook(sqlhook.NewSessionHooks(hooks, cfg.ServerID)),
		Credentials: hooks,
	}

	tlsCfg := loadTLS(cfg)

	srv := server.New(cfg, deps, tlsCfg)
	if cfg.C2S.Port > 0 {
		if err := srv.ListenTCP(); err != nil {
			log.Fatalf("xmppd: tcp listen failed: %v", err)
		}
	}
	if cfg.HTTP.Port > 0 && (cfg.BOSH.URL != "" || cfg.WebSocket.URL != "") {
		httpAddr := net.JoinHostPort(cfg.HTTP.Address, strconv.Itoa(cfg.HTTP.Port))
		go func() {
			if err := srv.ListenHTTP(httpAddr); err != nil {
				log.Errorf("xmppd: http listener stopped: %v", err)
			}
		}()
	}

	waitForSignal()
	srv.Close()
}

func loadTLS(cfg *config.Config) *tls.Config {
	if cfg.C2S.TLS.CertFile == "" || cfg.C2S.TLS.KeyFile == "" {
		return nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.C2S.TLS.CertFile, cfg.C2S.TLS.KeyFile)
	if err != nil {
		log.Fatalf("xmppd: failed to load TLS certificate: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package server bootstraps the three external interfaces spec §6 names
// (TCP, BOSH, WebSocket) on top of the c2s stream state machine, the BOSH
// transport and the process-local router. It owns nothing the rest of the
// module doesn't already implement; it only accepts connections and wires
// each one to c2s.New, the way a teacher's cmd/xmppd main would.
package server

import (
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xmppcore/xmppd/bosh"
	"github.com/xmppcore/xmppd/c2s"
	"github.com/xmppcore/xmppd/config"
	"github.com/xmppcore/xmppd/log"
	"github.com/xmppcore/xmppd/transport"
)

// Server owns the TCP listener and the HTTP mux serving BOSH and
// WebSocket, all three driving the same c2s.Dependencies.
type Server struct {
	cfg    *config.Config
	c2sCfg *c2s.Config
	deps   *c2s.Dependencies
	tlsCfg *tls.Config

	boshMgr *bosh.Manager

	prebindPath string
	prebindAuth bosh.PrebindAuthFunc

	tcpListener net.Listener
	httpServer  *http.Server
}

// New builds a Server from the loaded configuration and the already
// constructed hook/router dependencies. tlsCfg is nil when no TLS
// material was configured (STARTTLS is then unavailable). It applies to
// the TCP listener only; the HTTP listener serves plain HTTP.
func New(cfg *config.Config, deps *c2s.Dependencies, tlsCfg *tls.Config) *Server {
	c2sCfg := &c2s.Config{
		Domain:              cfg.Domain,
		MaxStanzaSize:       cfg.C2S.MaxStanzaSize,
		ConnectTimeout:      cfg.C2S.ConnectTimeout,
		RequireTLS:          cfg.C2S.RequireTLS,
		SASL:                cfg.C2S.SASL,
		AllowPlainPassword:  cfg.C2S.AllowPlainPassword,
		AllowAnonymousLogin: cfg.C2S.AllowAnonymousLogin,
		AllowLegacyAuth:     cfg.C2S.AllowLegacyAuth,
		ResourceConflict:    cfg.C2S.ResourceConflict,
		Compression:         cfg.C2S.Compression,
		Modules:             cfg.C2S.Modules,
	}

	boshCfg := bosh.Config{
		Domain:        cfg.Domain,
		MinWait:       clampDuration(cfg.BOSH.MinWait, 10),
		MaxWait:       clampDuration(cfg.BOSH.MaxWait, 60),
		MaxHold:       nonZeroInt(cfg.BOSH.MaxHold, 2),
		Inactivity:    clampDuration(cfg.BOSH.MaxInactivity, 120),
		MaxStanzaSize: cfg.C2S.MaxStanzaSize,
	}

	return &Server{
		cfg:     cfg,
		c2sCfg:  c2sCfg,
		deps:    deps,
		tlsCfg:  tlsCfg,
		boshMgr: bosh.NewManager(boshCfg, tlsCfg, c2sCfg, deps),
	}
}

func clampDuration(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func nonZeroInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// ListenTCP starts the raw-socket listener (spec §4.L / external
// interface "TCP"), accepting connections until Close is called.
func (s *Server) ListenTCP() error {
	addr := net.JoinHostPort(s.cfg.C2S.Address, strconv.Itoa(s.cfg.C2S.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.tcpListener = ln
	log.Infof("xmppd: tcp listener started at %s", addr)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return
		}
		go s.handleTCPConn(conn)
	}
}

func (s *Server) handleTCPConn(conn net.Conn) {
	tr := transport.NewSocketTransport(conn)
	id := newConnID()
	c2s.New(id, tr, s.tlsCfg, s.c2sCfg, s.deps)
}

// wsUpgrader negotiates RFC 7395's required "xmpp" subprotocol and
// otherwise accepts every origin — CORS-equivalent trust for WebSocket
// is left to whatever reverse proxy admits the request, matching the
// teacher's own c2s.go WebSocket upgrade path, which performs no origin
// check of its own.
var wsUpgrader = websocket.Upgrader{
	Subprotocols: []string{"xmpp"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// ServeHTTP wires the BOSH endpoint (cfg.BOSH.URL) and the WebSocket
// endpoint (cfg.WebSocket.URL) onto one *http.ServeMux, returned so the
// caller can mount it behind its own TLS listener or reverse proxy (spec
// §6 "HTTP admission/routing of BOSH and WebSocket requests" is an
// external collaborator; this only supplies the handlers it routes to).
func (s *Server) ServeHTTP() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.BOSH.URL, bosh.NewHandler(s.boshMgr))
	mux.HandleFunc(s.cfg.WebSocket.URL, s.handleWebSocket)
	if s.prebindPath != "" && s.prebindAuth != nil {
		mux.Handle(s.prebindPath, bosh.NewPrebindHandler(s.boshMgr, s.prebindAuth))
	}
	return mux
}

// EnablePrebind mounts the privileged BOSH pre-bind view at path. The
// auth callback is the deployment's web-session admission check (an
// external collaborator per spec §1); without one the endpoint is not
// served at all.
func (s *Server) EnablePrebind(path string, auth bosh.PrebindAuthFunc) {
	s.prebindPath = path
	s.prebindAuth = auth
}

// ListenHTTP starts an *http.Server on addr serving ServeHTTP, for
// deployments that don't front BOSH/WebSocket with an external reverse
// proxy.
func (s *Server) ListenHTTP(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.ServeHTTP()}
	log.Infof("xmppd: http listener (bosh+websocket) started at %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(err)
		return
	}
	if conn.Subprotocol() != "xmpp" {
		// RFC 7395 §3.1: the "xmpp" subprotocol is mandatory.
		conn.Close()
		return
	}
	tr := transport.NewWebSocketTransport(conn)
	id := newConnID()
	c2s.New(id, tr, s.tlsCfg, s.c2sCfg, s.deps)
}

// Close tears down the TCP listener and the HTTP server, if started.
// Already-accepted streams are unaffected; they drain on their own
// transport loss.
func (s *Server) Close() error {
	var err error
	if s.tcpListener != nil {
		err = s.tcpListener.Close()
	}
	if s.httpServer != nil {
		if cerr := s.httpServer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func newConnID() string {
	return uuid.New().String()
}

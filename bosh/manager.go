/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package bosh

import (
	"crypto/tls"
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xmppcore/xmppd/c2s"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/xmpp"
)

// Manager tracks every live BOSH Session by sid, the way a TCP listener
// tracks its accepted connections by local address, except a Session
// outlives any single HTTP request.
type Manager struct {
	cfg    Config
	tlsCfg *tls.Config
	c2sCfg *c2s.Config
	deps   *c2s.Dependencies

	mu        sync.Mutex
	sessions  map[string]*Session
	creations map[string]string // creation request key -> sid, for retransmits
}

// NewManager constructs a Manager that mints Sessions sharing cfg's
// window/timeout policy and c2sCfg/deps for every underlying stream.
func NewManager(cfg Config, tlsCfg *tls.Config, c2sCfg *c2s.Config, deps *c2s.Dependencies) *Manager {
	return &Manager{
		cfg:      cfg,
		tlsCfg:   tlsCfg,
		c2sCfg:   c2sCfg,
		deps:      deps,
		sessions:  make(map[string]*Session),
		creations: make(map[string]string),
	}
}

// creationKey identifies a sid-less creation request well enough to
// recognize its retransmission: a resent creation body repeats the same
// rid from the same Host/Origin (spec §8 "BOSH retransmit" applies to
// the creation request too, which carries no sid to match on).
func creationKey(rid uint64, httpHost, httpOrigin string) string {
	return httpHost + "\x00" + httpOrigin + "\x00" + strconv.FormatUint(rid, 10)
}

// lookupCreation resolves a sid-less request to the session a previous
// identical creation request minted, if it is still alive.
func (m *Manager) lookupCreation(rid uint64, httpHost, httpOrigin string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.creations[creationKey(rid, httpHost, httpOrigin)]
	if !ok {
		return nil
	}
	return m.sessions[sid]
}

// create mints a session for a sid-less creation request, clamping the
// client's requested wait/hold into the configured bounds (spec §4.J
// point 1).
func (m *Manager) create(firstRid uint64, body xmpp.XElement, httpHost, httpOrigin string) *Session {
	wait := m.cfg.MaxWait
	if secs, ok := parseUintAttr(body, "wait"); ok {
		requested := time.Duration(secs) * time.Second
		if requested < wait {
			wait = requested
		}
		if wait < m.cfg.MinWait {
			wait = m.cfg.MinWait
		}
	}
	hold := 1
	if h, ok := parseUintAttr(body, "hold"); ok {
		hold = int(h)
	}
	if hold > m.cfg.MaxHold {
		hold = m.cfg.MaxHold
	}
	if hold < 0 {
		hold = 0
	}

	s := newSession(m.cfg, firstRid, wait, hold, httpHost, httpOrigin, m.tlsCfg, m.c2sCfg, m.deps, "")
	if _, ok := parseUintAttr(body, "ack"); ok {
		s.useAck = true
	}
	s.onTerminate = m.remove
	s.creationKey = creationKey(firstRid, httpHost, httpOrigin)
	m.mu.Lock()
	m.sessions[s.sid] = s
	m.creations[s.creationKey] = s.sid
	m.mu.Unlock()
	return s
}

// Prebind creates a BOSH session on behalf of an already-authenticated
// web user before any XMPP client connects (spec §4.J "Pre-binding").
// The returned rid is the first request id the handed-off client must
// use; the initial rid is randomized so it can't be guessed from the
// sid alone.
func (m *Manager) Prebind(username string) (jidStr, sid string, rid uint64, err error) {
	userJID, err := jid.New(username, m.cfg.Domain, "", false)
	if err != nil {
		return "", "", 0, err
	}
	u := uuid.New()
	rid = uint64(binary.BigEndian.Uint32(u[0:4]))%(1<<31) + 1

	s := newSession(m.cfg, rid, m.cfg.MaxWait, 1, "", "", m.tlsCfg, m.c2sCfg, m.deps, username)
	s.onTerminate = m.remove
	m.mu.Lock()
	m.sessions[s.sid] = s
	m.mu.Unlock()
	return userJID.String(), s.sid, rid, nil
}

func (m *Manager) get(sid string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sid]
}

func (m *Manager) remove(sid string) {
	m.mu.Lock()
	if s := m.sessions[sid]; s != nil && s.creationKey != "" {
		delete(m.creations, s.creationKey)
	}
	delete(m.sessions, sid)
	m.mu.Unlock()
}

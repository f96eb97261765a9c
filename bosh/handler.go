/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package bosh

import (
	"bytes"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/xmppcore/xmppd/xmpp/parser"
)

const bodyNamespace = "http://jabber.org/protocol/httpbind"

// Handler answers XEP-0124 HTTP requests, translating each inbound
// <body/> element into stanzas fed to the addressed Session, then
// blocking (bounded by the session's wait policy) for whatever the
// underlying stream produces in response.
type Handler struct {
	manager *Manager
}

// NewHandler constructs an http.Handler backed by manager.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		h.writeCORSPreflight(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := ioutil.ReadAll(io.LimitReader(r.Body, int64(h.manager.c2sCfg.MaxStanzaSize)))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := parser.NewFragment(bytes.NewReader(raw), h.manager.c2sCfg.MaxStanzaSize).ParseElement()
	if err != nil || body == nil || body.Name() != "body" {
		h.writeTerminate(w, "bad-request")
		return
	}

	sid := body.Attributes().Get("sid")
	rid, ok := parseUintAttr(body, "rid")
	if !ok {
		h.writeTerminate(w, "bad-request")
		return
	}

	if sid == "" {
		if body.Attributes().Get("to") == "" {
			h.writeTerminate(w, "bad-request")
			return
		}
		// a retransmitted creation request carries no sid to match on;
		// recognize it by (Host, Origin, rid) and serve the cached reply.
		session := h.manager.lookupCreation(rid, r.Host, r.Header.Get("Origin"))
		if session == nil {
			session = h.manager.create(rid, body, r.Host, r.Header.Get("Origin"))
		}
		h.setCORSHeaders(w, session)
		h.writeBody(w, session.handleRequest(rid, body))
		return
	}

	session := h.manager.get(sid)
	if session == nil || session.isTerminated() {
		h.writeTerminate(w, "remote-connection-failed")
		return
	}
	if !session.matchesHost(r.Host) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.setCORSHeaders(w, session)
	if !session.originTrusted(r.Header.Get("Origin")) {
		// Origin mismatch: signal the browser with an empty, CORS-only
		// body rather than leaking stanza data cross-origin (spec §4.J
		// point 2).
		w.Header().Set("Content-Type", "text/xml; charset=utf-8")
		return
	}

	h.writeBody(w, session.handleRequest(rid, body))
}

func (h *Handler) writeBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	io.WriteString(w, body)
}

// setCORSHeaders echoes the session's recorded origin back with
// credentials allowed, matching spec §6 "Access-Control-Allow-Origin:
// <echoed origin>, Access-Control-Allow-Credentials: true".
func (h *Handler) setCORSHeaders(w http.ResponseWriter, session *Session) {
	if session.httpOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", session.httpOrigin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

// writeCORSPreflight answers an OPTIONS preflight request (spec §6 "OPTIONS
// preflight supported") without touching any session state.
func (h *Handler) writeCORSPreflight(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeTerminate(w http.ResponseWriter, condition string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	io.WriteString(w, terminateBody(condition))
}

// PrebindAuthFunc authenticates a privileged pre-bind request and
// resolves it to the local username the session is created for. The
// admission policy itself (session cookies, signed tokens) is an
// external collaborator per spec §1.
type PrebindAuthFunc func(r *http.Request) (username string, ok bool)

// PrebindHandler serves the privileged pre-bind view (spec §4.J
// "Pre-binding"): POST with valid credentials returns the (jid, sid,
// rid) triple a web client needs to adopt the session.
type PrebindHandler struct {
	manager *Manager
	auth    PrebindAuthFunc
}

// NewPrebindHandler constructs the pre-bind endpoint.
func NewPrebindHandler(manager *Manager, auth PrebindAuthFunc) *PrebindHandler {
	return &PrebindHandler{manager: manager, auth: auth}
}

func (h *PrebindHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	username, ok := h.auth(r)
	if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	jidStr, sid, rid, err := h.manager.Prebind(username)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		JID string `json:"jid"`
		SID string `json:"sid"`
		RID string `json:"rid"`
	}{JID: jidStr, SID: sid, RID: strconv.FormatUint(rid, 10)})
}

/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package c2s implements the client-to-server stream state machine:
// stream negotiation, STARTTLS, SASL/legacy authentication, resource
// binding, session establishment, and the per-stream module set
// (roster, presence, messaging, disco, ping, registration) a bound
// stream drives. The same state machine runs unmodified whether the
// underlying transport is a raw TCP socket, a WebSocket, or a BOSH
// session.
package c2s

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/xmppcore/xmppd/auth"
	"github.com/xmppcore/xmppd/config"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/log"
	"github.com/xmppcore/xmppd/module/messaging"
	"github.com/xmppcore/xmppd/module/presence"
	"github.com/xmppcore/xmppd/module/roster"
	"github.com/xmppcore/xmppd/module/xep0030"
	"github.com/xmppcore/xmppd/module/xep0077"
	"github.com/xmppcore/xmppd/module/xep0199"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/session"
	"github.com/xmppcore/xmppd/transport"
	"github.com/xmppcore/xmppd/transport/compress"
	"github.com/xmppcore/xmppd/xmpp"
	"github.com/xmppcore/xmppd/xmpp/streamerror"
)

const streamMailboxSize = 64
const ipcMailboxSize = 64

const (
	connecting uint32 = iota
	connected
	authenticating
	authenticated
	sessionStarted
	disconnected
)

const (
	jabberClientNamespace     = "jabber:client"
	framedStreamNamespace     = "urn:ietf:params:xml:ns:xmpp-framing"
	streamNamespace           = "http://etherx.jabber.org/streams"
	tlsNamespace              = "urn:ietf:params:xml:ns:xmpp-tls"
	compressProtocolNamespace = "http://jabber.org/protocol/compress"
	bindNamespace             = "urn:ietf:params:xml:ns:xmpp-bind"
	sessionNamespace          = "urn:ietf:params:xml:ns:xmpp-session"
	saslNamespace             = "urn:ietf:params:xml:ns:xmpp-sasl"
	legacyAuthNamespace       = "jabber:iq:auth"
	preApprovalNamespace      = "urn:xmpp:features:pre-approval"
)

// stream context keys: an explicit, enumerated capability map rather
// than a free-form string bag.
const (
	usernameCtxKey      = "username"
	domainCtxKey        = "domain"
	resourceCtxKey      = "resource"
	jidCtxKey           = "jid"
	securedCtxKey       = "secured"
	authenticatedCtxKey = "authenticated"
	compressedCtxKey    = "compressed"
	presenceCtxKey      = "presence"
)

// iqHandler is satisfied by every per-stream module that answers IQ
// stanzas directly (roster, messaging carbons toggle, disco, ping,
// registration).
type iqHandler interface {
	MatchesIQ(iq *xmpp.IQ) bool
	ProcessIQ(iq *xmpp.IQ)
}

// Stream is a single client-to-server connection's state machine,
// satisfying router.C2S regardless of which transport carries it.
type Stream struct {
	cfg    *Config
	deps   *Dependencies
	tlsCfg *tls.Config
	tr     transport.Transport
	sess   *session.Session

	id        string
	connectTm *time.Timer
	state     uint32
	ctx       *router.Context
	doneCh    chan<- struct{}

	authrs      []auth.Authenticator
	activeAuthr auth.Authenticator
	legacyAuth  *auth.Legacy

	rosterEngine    *roster.Roster
	presenceEngine  *presence.Presence
	messagingEngine *messaging.Messaging
	discoEngine     *xep0030.DiscoInfo
	pingEngine      *xep0199.Ping
	registerEngine  *xep0077.Register

	iqHandlers []iqHandler
	ipcHandler map[string]router.Handler
	ipcCh      *router.Channel

	actorCh chan func()
}

// New constructs a stream for a freshly-accepted transport connection
// and starts its actor/read loops. id is the connection identifier the
// caller (TCP listener, WebSocket upgrader, or BOSH session) has already
// minted.
func New(id string, tr transport.Transport, tlsCfg *tls.Config, cfg *Config, deps *Dependencies) router.C2S {
	return newStream(id, tr, tlsCfg, cfg, deps, "")
}

// NewPreAuthenticated constructs a stream whose user identity has
// already been established outside of SASL, e.g. by a privileged BOSH
// pre-bind view acting for an authenticated web user (spec §4.J
// "Pre-binding"). The stream skips straight to the post-authentication
// feature set on its first stream header.
func NewPreAuthenticated(id string, tr transport.Transport, tlsCfg *tls.Config, cfg *Config, deps *Dependencies, username string) router.C2S {
	return newStream(id, tr, tlsCfg, cfg, deps, username)
}

func newStream(id string, tr transport.Transport, tlsCfg *tls.Config, cfg *Config, deps *Dependencies, preAuthUser string) router.C2S {
	ctx, doneCh := router.NewContext()
	s := &Stream{
		cfg:     cfg,
		deps:    deps,
		tlsCfg:  tlsCfg,
		id:      id,
		tr:      tr,
		state:   connecting,
		ctx:     ctx,
		doneCh:  doneCh,
		actorCh: make(chan func(), streamMailboxSize),
	}

	secured := tr.Type() != transport.Socket
	s.ctx.SetBool(secured, securedCtxKey)
	s.ctx.SetString(cfg.Domain, domainCtxKey)

	j, _ := jid.New("", cfg.Domain, "", true)
	s.ctx.SetObject(j, jidCtxKey)

	if len(preAuthUser) > 0 {
		uj, _ := jid.New(preAuthUser, cfg.Domain, "", true)
		s.ctx.SetString(preAuthUser, usernameCtxKey)
		s.ctx.SetBool(true, authenticatedCtxKey)
		s.ctx.SetObject(uj, jidCtxKey)
		if deps.AuthHook != nil {
			deps.AuthHook.Bind(s)
		}
	}

	s.sess = session.New(s.id, &session.Config{
		JID:           s.JID(),
		Transport:     tr,
		MaxStanzaSize: cfg.MaxStanzaSize,
	})

	s.initializeAuthenticators()
	if cfg.AllowLegacyAuth {
		s.legacyAuth = auth.NewLegacy(s, deps.AuthHook)
	}

	if cfg.ConnectTimeout > 0 {
		s.connectTm = time.AfterFunc(time.Duration(cfg.ConnectTimeout)*time.Second, s.connectTimeout)
	}
	go s.actorLoop()
	go s.doRead()

	return s
}

func (s *Stream) ID() string               { return s.id }
func (s *Stream) Context() *router.Context { return s.ctx }
func (s *Stream) Username() string         { return s.ctx.String(usernameCtxKey) }
func (s *Stream) Domain() string           { return s.ctx.String(domainCtxKey) }
func (s *Stream) Resource() string         { return s.ctx.String(resourceCtxKey) }

func (s *Stream) JID() *jid.JID {
	j, _ := s.ctx.Object(jidCtxKey).(*jid.JID)
	return j
}

func (s *Stream) IsAuthenticated() bool { return s.ctx.Bool(authenticatedCtxKey) }
func (s *Stream) IsSecured() bool       { return s.ctx.Bool(securedCtxKey) }
func (s *Stream) IsCompressed() bool    { return s.ctx.Bool(compressedCtxKey) }

func (s *Stream) Presence() *xmpp.Presence {
	p, _ := s.ctx.Object(presenceCtxKey).(*xmpp.Presence)
	return p
}

// SendElement queues elem for serialization on the stream's own actor
// goroutine, so writes are never interleaved across goroutines.
func (s *Stream) SendElement(elem xmpp.XElement) {
	s.actorCh <- func() { s.writeElement(elem) }
}

// Disconnect tears the stream down, optionally emitting a stream error
// first.
func (s *Stream) Disconnect(err error) {
	s.actorCh <- func() { s.disconnect(err) }
}

func (s *Stream) initializeAuthenticators() {
	for _, mech := range s.cfg.SASL {
		switch mech {
		case "PLAIN":
			policy := auth.PasswordPolicy{AllowPlainPassword: s.cfg.AllowPlainPassword}
			s.authrs = append(s.authrs, auth.NewPlain(s, s.deps.AuthHook, policy))
		case "ANONYMOUS":
			if s.cfg.AllowAnonymousLogin {
				s.authrs = append(s.authrs, auth.NewAnonymous())
			}
		case "EXTERNAL":
			s.authrs = append(s.authrs, auth.NewExternal(s, s.deps.AuthHook))
		case "SCRAM-SHA-1":
			if s.deps.Credentials != nil {
				s.authrs = append(s.authrs, auth.NewScram(s, s.tr, s.deps.Credentials, auth.ScramSHA1, false))
			}
		case "SCRAM-SHA-1-PLUS":
			if s.deps.Credentials != nil {
				s.authrs = append(s.authrs, auth.NewScram(s, s.tr, s.deps.Credentials, auth.ScramSHA1, true))
			}
		case "SCRAM-SHA-256":
			if s.deps.Credentials != nil {
				s.authrs = append(s.authrs, auth.NewScram(s, s.tr, s.deps.Credentials, auth.ScramSHA256, false))
			}
		case "SCRAM-SHA-256-PLUS":
			if s.deps.Credentials != nil {
				s.authrs = append(s.authrs, auth.NewScram(s, s.tr, s.deps.Credentials, auth.ScramSHA256, true))
			}
		}
	}
}

// initializeModules constructs the per-stream protocol modules once the
// resource is bound, wiring them to each other exactly as their
// constructors require (roster needs a presence notifier, presence needs
// the auth hook for contact validation, disco needs both hooks for its
// authorization check).
func (s *Stream) initializeModules() {
	s.presenceEngine = presence.New(s, s.deps.Router.Bus(), s.deps.AuthHook, s.deps.RosterHook, s.deps.SessionHook)
	s.rosterEngine = roster.New(s, s.deps.Router.Bus(), s.deps.RosterHook, s.presenceEngine)
	s.messagingEngine = messaging.New(s, s.deps.Router.Bus())

	extraFeatures := []string{xmpp.CarbonsNamespace}
	if _, ok := s.cfg.Modules.Enabled["ping"]; ok {
		extraFeatures = append(extraFeatures, xep0199.Namespace)
	}
	s.discoEngine = xep0030.New(s, s.deps.RosterHook, s.deps.SessionHook, extraFeatures...)

	s.iqHandlers = append(s.iqHandlers, s.rosterEngine, s.messagingEngine, s.discoEngine)

	if _, ok := s.cfg.Modules.Enabled["ping"]; ok {
		s.pingEngine = xep0199.New(s)
		s.iqHandlers = append(s.iqHandlers, s.pingEngine)
	}
	if s.cfg.Modules.Registration.AllowRegistration {
		s.registerEngine = xep0077.New(s, s.deps.AuthHook, &s.cfg.Modules.Registration)
		s.iqHandlers = append(s.iqHandlers, s.registerEngine)
	}

	s.ipcHandler = make(map[string]router.Handler)
	for k, v := range s.rosterEngine.IPCHandlers() {
		s.ipcHandler[k] = v
	}
	for k, v := range s.presenceEngine.IPCHandlers() {
		s.ipcHandler[k] = v
	}
	for k, v := range s.messagingEngine.IPCHandlers() {
		s.ipcHandler[k] = v
	}

	bus := s.deps.Router.Bus()
	s.ipcCh = bus.NewChannel(s.JID().String(), ipcMailboxSize)
	bus.GroupAdd(router.UserGroup(s.Username()), s.ipcCh)
	go s.ipcLoop()
}

func (s *Stream) ipcLoop() {
	for {
		select {
		case msg := <-s.ipcCh.Receive():
			s.actorCh <- func() { s.dispatchIPC(msg) }
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) dispatchIPC(msg router.Message) {
	h, ok := s.ipcHandler[msg.Type]
	if !ok {
		return
	}
	h(msg)
}

func (s *Stream) connectTimeout() {
	s.actorCh <- func() { s.disconnect(streamerror.ErrConnectionTimeout) }
}

func (s *Stream) handleElement(elem xmpp.XElement) {
	if s.tr.Type() == transport.WebSocket && elem.Name() == "close" && elem.Namespace() == framedStreamNamespace {
		s.disconnect(nil)
		return
	}
	switch s.getState() {
	case connecting:
		s.handleConnecting(elem)
	case connected:
		s.handleConnected(elem)
	case authenticating:
		s.handleAuthenticating(elem)
	case authenticated:
		s.handleAuthenticated(elem)
	case sessionStarted:
		s.handleSessionStarted(elem)
	}
}

func (s *Stream) handleConnecting(elem xmpp.XElement) {
	if s.connectTm != nil {
		s.connectTm.Stop()
		s.connectTm = nil
	}
	if err := s.validateStreamElement(elem); err != nil {
		s.disconnectWithStreamError(err)
		return
	}
	if to := elem.To(); len(to) > 0 {
		s.ctx.SetString(to, domainCtxKey)
	}
	s.openStream()

	features := xmpp.NewElementName("stream:features")
	features.SetAttribute("xmlns:stream", streamNamespace)
	features.SetAttribute("version", "1.0")

	if !s.IsAuthenticated() {
		features.AppendElements(s.unauthenticatedFeatures())
		s.setState(connected)
	} else {
		features.AppendElements(s.authenticatedFeatures())
		s.setState(authenticated)
	}
	s.writeElement(features)
}

// unauthenticatedFeatures advertises starttls alone while a Socket
// transport remains unsecured, then mechanisms, legacy auth, and
// registration once secured (or on a transport that terminates TLS
// below this layer).
func (s *Stream) unauthenticatedFeatures() []xmpp.XElement {
	isSocket := s.tr.Type() == transport.Socket
	if isSocket && !s.IsSecured() && s.tlsCfg != nil {
		startTLS := xmpp.NewElementNamespace("starttls", tlsNamespace)
		if s.cfg.RequireTLS {
			startTLS.AppendElement(xmpp.NewElementName("required"))
		}
		return []xmpp.XElement{startTLS}
	}

	var features []xmpp.XElement
	if len(s.authrs) > 0 {
		mechanisms := xmpp.NewElementNamespace("mechanisms", saslNamespace)
		for _, a := range s.authrs {
			m := xmpp.NewElementName("mechanism")
			m.SetText(a.Mechanism())
			mechanisms.AppendElement(m)
		}
		features = append(features, mechanisms)
	}
	if s.legacyAuth != nil {
		features = append(features, xmpp.NewElementNamespace("auth", "http://jabber.org/features/iq-auth"))
	}
	if s.cfg.Modules.Registration.AllowRegistration && s.IsSecured() {
		features = append(features, xmpp.NewElementNamespace("register", "http://jabber.org/features/iq-register"))
	}
	return features
}

func (s *Stream) authenticatedFeatures() []xmpp.XElement {
	var features []xmpp.XElement
	isSocket := s.tr.Type() == transport.Socket

	if isSocket && !s.IsCompressed() && s.cfg.Compression.Level != compress.NoCompression {
		comp := xmpp.NewElementNamespace("compression", "http://jabber.org/features/compress")
		method := xmpp.NewElementName("method")
		method.SetText("zlib")
		comp.AppendElement(method)
		features = append(features, comp)
	}

	bind := xmpp.NewElementNamespace("bind", bindNamespace)
	bind.AppendElement(xmpp.NewElementName("required"))
	features = append(features, bind)

	sessElem := xmpp.NewElementNamespace("session", sessionNamespace)
	sessElem.AppendElement(xmpp.NewElementName("optional"))
	features = append(features, sessElem)

	features = append(features, xmpp.NewElementNamespace("sub", preApprovalNamespace))
	return features
}

func (s *Stream) handleConnected(elem xmpp.XElement) {
	switch elem.Name() {
	case "starttls":
		if ns := elem.Namespace(); len(ns) > 0 && ns != tlsNamespace {
			s.disconnectWithStreamError(streamerror.ErrInvalidNamespace)
			return
		}
		s.proceedStartTLS()

	case "auth":
		if elem.Namespace() != saslNamespace {
			s.disconnectWithStreamError(streamerror.ErrInvalidNamespace)
			return
		}
		s.startAuthentication(elem)

	case "iq":
		stanza, err := s.buildStanza(elem, false)
		if err != nil {
			s.handleElementError(elem, err)
			return
		}
		iq := stanza.(*xmpp.IQ)
		if s.handlePreAuthIQ(iq) {
			return
		}
		fallthrough

	case "message", "presence":
		s.disconnectWithStreamError(streamerror.ErrNotAuthorized)

	default:
		s.disconnectWithStreamError(streamerror.ErrUnsupportedStanzaType)
	}
}

// handlePreAuthIQ answers the one IQ traffic allowed before SASL
// completes: XEP-0078 legacy authentication. It reports whether it
// handled iq at all.
func (s *Stream) handlePreAuthIQ(iq *xmpp.IQ) bool {
	query := iq.Elements().ChildNamespace("query", legacyAuthNamespace)
	if query == nil {
		return false
	}
	if s.legacyAuth == nil {
		s.writeElement(iq.ServiceUnavailableError())
		return true
	}
	switch {
	case iq.IsGet():
		result := iq.ResultIQ()
		result.AppendElement(s.legacyAuth.FeatureQuery())
		s.writeElement(result)
	case iq.IsSet():
		username, resource, err := s.legacyAuth.Authenticate(query)
		if err != nil {
			if _, ok := err.(*auth.SASLError); ok {
				s.writeElement(xmpp.NewErrorElementFromElement(iq, xmpp.NewStanzaError(xmpp.ErrNotAuthorized), nil))
				return true
			}
			s.writeElement(iq.InternalServerError())
			return true
		}
		s.finishAuthentication(username)
		s.bindResourceString(iq, resource)
	default:
		s.writeElement(iq.BadRequestError())
	}
	return true
}

func (s *Stream) handleAuthenticating(elem xmpp.XElement) {
	if elem.Namespace() != saslNamespace {
		s.disconnectWithStreamError(streamerror.ErrInvalidNamespace)
		return
	}
	authr := s.activeAuthr
	if err := s.continueAuthentication(elem, authr); err != nil {
		return
	}
	if authr.Authenticated() {
		s.finishAuthentication(authr.Username())
	}
}

func (s *Stream) handleAuthenticated(elem xmpp.XElement) {
	switch elem.Name() {
	case "compress":
		if elem.Namespace() != compressProtocolNamespace {
			s.disconnectWithStreamError(streamerror.ErrUnsupportedStanzaType)
			return
		}
		s.compress(elem)

	case "iq":
		stanza, err := s.buildStanza(elem, true)
		if err != nil {
			s.handleElementError(elem, err)
			return
		}
		s.bindResource(stanza.(*xmpp.IQ))

	default:
		s.disconnectWithStreamError(streamerror.ErrUnsupportedStanzaType)
	}
}

func (s *Stream) handleSessionStarted(elem xmpp.XElement) {
	stanza, err := s.buildStanza(elem, true)
	if err != nil {
		s.handleElementError(elem, err)
		return
	}
	s.processStanza(stanza)
}

// processStanza dispatches a stanza received on a bound stream by kind
// and destination scope (spec §4.C "Stanza dispatch").
func (s *Stream) processStanza(stanza xmpp.XElement) {
	switch stanza := stanza.(type) {
	case *xmpp.IQ:
		s.processIQ(stanza)
	case *xmpp.Presence:
		s.processPresence(stanza)
	case *xmpp.Message:
		s.processMessage(stanza)
	}
}

// processIQ first hands full-JID queries addressed to another resource to
// the router, then offers everything else to the module handlers in
// registration order; the session-establishment IQ is answered as a
// no-op since modules are constructed at bind time already.
func (s *Stream) processIQ(iq *xmpp.IQ) {
	to := iq.ToJID()
	if to != nil && to.IsFullWithUser() && !to.Matches(s.JID(), jid.MatchesBare|jid.MatchesResource) {
		switch err := s.deps.Router.Route(iq); err {
		case nil:
			return
		case router.ErrFailedRemoteConnect:
			s.writeElement(iq.RemoteServerNotFoundError())
		default:
			s.writeElement(iq.ServiceUnavailableError())
		}
		return
	}

	for _, handler := range s.iqHandlers {
		if handler.MatchesIQ(iq) {
			handler.ProcessIQ(iq)
			return
		}
	}

	if iq.Elements().ChildNamespace("session", sessionNamespace) != nil {
		if iq.IsSet() {
			s.writeElement(iq.ResultIQ())
		} else {
			s.writeElement(iq.BadRequestError())
		}
		return
	}
	if iq.IsGet() || iq.IsSet() {
		s.writeElement(iq.ServiceUnavailableError())
	}
}

func (s *Stream) processPresence(pr *xmpp.Presence) {
	if to := pr.ToJID(); to == nil || to.Matches(s.JID().ToBareJID(), jid.MatchesBare) {
		if pr.IsAvailable() || pr.IsUnavailable() {
			s.ctx.SetObject(pr, presenceCtxKey)
		}
	}
	s.presenceEngine.ProcessPresence(pr)
}

func (s *Stream) processMessage(msg *xmpp.Message) {
	s.messagingEngine.ProcessMessage(msg)
}

func (s *Stream) proceedStartTLS() {
	if s.IsSecured() {
		s.disconnectWithStreamError(streamerror.ErrNotAuthorized)
		return
	}
	s.ctx.SetBool(true, securedCtxKey)
	s.writeElement(xmpp.NewElementNamespace("proceed", tlsNamespace))
	s.tr.StartTLS(s.tlsCfg, false)
	log.Infof("secured stream... id: %s", s.id)
	s.restart()
}

func (s *Stream) compress(elem xmpp.XElement) {
	if s.IsCompressed() {
		s.disconnectWithStreamError(streamerror.ErrUnsupportedStanzaType)
		return
	}
	method := elem.Elements().Child("method")
	if method == nil || len(method.Text()) == 0 {
		failure := xmpp.NewElementNamespace("failure", compressProtocolNamespace)
		failure.AppendElement(xmpp.NewElementName("setup-failed"))
		s.writeElement(failure)
		return
	}
	if method.Text() != "zlib" {
		failure := xmpp.NewElementNamespace("failure", compressProtocolNamespace)
		failure.AppendElement(xmpp.NewElementName("unsupported-method"))
		s.writeElement(failure)
		return
	}
	s.ctx.SetBool(true, compressedCtxKey)
	s.writeElement(xmpp.NewElementNamespace("compressed", compressProtocolNamespace))
	s.tr.EnableCompression(s.cfg.Compression.Level)
	log.Infof("compressed stream... id: %s", s.id)
	s.restart()
}

func (s *Stream) startAuthentication(elem xmpp.XElement) {
	mechanism := elem.Attributes().Get("mechanism")
	for _, a := range s.authrs {
		if a.Mechanism() != mechanism {
			continue
		}
		if err := s.continueAuthentication(elem, a); err != nil {
			return
		}
		if a.Authenticated() {
			s.finishAuthentication(a.Username())
			s.writeElement(xmpp.NewElementNamespace("success", saslNamespace))
		} else {
			s.activeAuthr = a
			s.setState(authenticating)
		}
		return
	}
	s.writeElement(auth.NewFailureElement("invalid-mechanism"))
}

func (s *Stream) continueAuthentication(elem xmpp.XElement, a auth.Authenticator) error {
	err := a.ProcessElement(elem)
	switch e := err.(type) {
	case nil:
	case *auth.SASLError:
		s.failAuthentication(e.Element())
	default:
		log.Error(err)
		s.failAuthentication(auth.ErrSASLTemporaryAuthFailure.(*auth.SASLError).Element())
	}
	return err
}

func (s *Stream) finishAuthentication(username string) {
	if s.activeAuthr != nil {
		s.activeAuthr.Reset()
		s.activeAuthr = nil
	}
	j, _ := jid.New(username, s.Domain(), "", true)
	s.ctx.SetString(username, usernameCtxKey)
	s.ctx.SetBool(true, authenticatedCtxKey)
	s.ctx.SetObject(j, jidCtxKey)
	if s.deps.AuthHook != nil {
		s.deps.AuthHook.Bind(s)
	}
	s.restart()
}

func (s *Stream) failAuthentication(elem xmpp.XElement) {
	failure := xmpp.NewElementNamespace("failure", saslNamespace)
	failure.AppendElement(elem)
	s.writeElement(failure)
	if s.activeAuthr != nil {
		s.activeAuthr.Reset()
		s.activeAuthr = nil
	}
	s.setState(connected)
}

func (s *Stream) bindResource(iq *xmpp.IQ) {
	bind := iq.Elements().ChildNamespace("bind", bindNamespace)
	if bind == nil {
		s.writeElement(iq.NotAllowedError())
		return
	}
	var resource string
	if resourceElem := bind.Elements().Child("resource"); resourceElem != nil {
		resource = resourceElem.Text()
	} else {
		resource = uuid.New()
	}
	s.bindResourceString(iq, resource)
}

// bindResourceString applies the configured conflict policy and, on
// success, replies with the bound JID, registers the stream with the
// router and constructs the per-stream modules (spec §4.C "On success:
// Bound, construct Roster/Presence/Messaging engines, subscribe to IPC
// group").
func (s *Stream) bindResourceString(iq *xmpp.IQ, resource string) {
	if len(resource) == 0 {
		resource = uuid.New()
	}
	existing := s.deps.Router.Stream(mustBareWithResource(s.JID(), resource))
	if existing != nil {
		switch s.cfg.ResourceConflict {
		case config.Replace:
			existing.Disconnect(streamerror.ErrResourceConstraint)
		case config.Reject:
			s.writeElement(iq.ConflictError())
			return
		default:
			// Override: retry with a fresh UUIDv4 until a free resource is
			// found, bounded to avoid spinning forever under a registry
			// inconsistency.
			for i := 0; i < 10; i++ {
				candidate := uuid.New()
				if s.deps.Router.Stream(mustBareWithResource(s.JID(), candidate)) == nil {
					resource = candidate
					break
				}
			}
		}
	}

	userJID, err := jid.New(s.Username(), s.Domain(), resource, false)
	if err != nil {
		s.writeElement(iq.BadRequestError())
		return
	}
	s.ctx.SetString(resource, resourceCtxKey)
	s.ctx.SetObject(userJID, jidCtxKey)

	if ok, _, err := s.deps.SessionHook.Bind(s); err != nil {
		log.Error(err)
		s.writeElement(iq.InternalServerError())
		return
	} else if !ok {
		// (user, resource) conflict at the registry; retry with generated
		// resources per spec §4.D "generate a fresh UUIDv4 resource and
		// retry until success".
		bound := false
		for i := 0; i < 10 && !bound; i++ {
			candidate := uuid.New()
			userJID, err = jid.New(s.Username(), s.Domain(), candidate, false)
			if err != nil {
				continue
			}
			s.ctx.SetString(candidate, resourceCtxKey)
			s.ctx.SetObject(userJID, jidCtxKey)
			ok, _, err := s.deps.SessionHook.Bind(s)
			if err != nil {
				log.Error(err)
				s.writeElement(iq.InternalServerError())
				return
			}
			bound = ok
		}
		if !bound {
			s.writeElement(iq.ConflictError())
			return
		}
	}
	s.deps.Router.Bind(s)

	log.Infof("bound resource... (%s/%s)", s.Username(), s.Resource())

	result := xmpp.NewIQType(iq.ID(), xmpp.ResultType)
	bound := xmpp.NewElementNamespace("bind", bindNamespace)
	jidEl := xmpp.NewElementName("jid")
	jidEl.SetText(userJID.String())
	bound.AppendElement(jidEl)
	result.AppendElement(bound)
	s.writeElement(result)

	s.initializeModules()
	s.setState(sessionStarted)
}

func mustBareWithResource(j *jid.JID, resource string) *jid.JID {
	nj, err := jid.New(j.Node(), j.Domain(), resource, true)
	if err != nil {
		return j
	}
	return nj
}

func (s *Stream) actorLoop() {
	for {
		f := <-s.actorCh
		f()
		if s.getState() == disconnected {
			return
		}
	}
}

func (s *Stream) doRead() {
	elem, sErr := s.sess.Receive()
	if sErr == nil {
		s.actorCh <- func() { s.readElement(elem) }
		return
	}
	if s.getState() == disconnected {
		return
	}
	var discErr error
	switch uerr := sErr.UnderlyingErr; uerr {
	case nil:
		// peer closed the stream or the transport reached EOF cleanly.
	default:
		switch e := uerr.(type) {
		case *streamerror.Error:
			discErr = e
		case net.Error:
			if e.Timeout() {
				discErr = streamerror.ErrConnectionTimeout
			} else {
				discErr = streamerror.ErrInvalidXML
			}
		case *websocket.CloseError:
			discErr = nil
		default:
			log.Error(uerr)
			discErr = streamerror.ErrInvalidXML
		}
	}
	s.actorCh <- func() { s.disconnect(discErr) }
}

func (s *Stream) writeElement(elem xmpp.XElement) {
	log.Debugf("SEND: %v", elem)
	s.sess.Send(elem)
}

func (s *Stream) readElement(elem xmpp.XElement) {
	if elem != nil {
		log.Debugf("RECV: %v", elem)
		s.handleElement(elem)
	}
	if s.getState() != disconnected {
		go s.doRead()
	}
}

func (s *Stream) disconnect(err error) {
	if err == nil {
		s.disconnectClosingStream(false)
		return
	}
	if strmErr, ok := err.(*streamerror.Error); ok {
		s.disconnectWithStreamError(strmErr)
		return
	}
	log.Error(err)
	s.disconnectClosingStream(false)
}

func (s *Stream) openStream() {
	s.sess.SetJID(s.JID())
	s.sess.Open()
}

func (s *Stream) buildStanza(elem xmpp.XElement, validateFrom bool) (xmpp.XElement, error) {
	if err := s.validateNamespace(elem); err != nil {
		return nil, err
	}
	fromJID, toJID, err := s.extractAddresses(elem, validateFrom)
	if err != nil {
		return nil, err
	}
	switch elem.Name() {
	case "iq":
		iq, err := xmpp.NewIQFromElement(elem, fromJID, toJID)
		if err != nil {
			return nil, xmpp.NewStanzaError(xmpp.ErrBadRequest)
		}
		return iq, nil
	case "presence":
		pr, err := xmpp.NewPresenceFromElement(elem, fromJID, toJID)
		if err != nil {
			return nil, xmpp.NewStanzaError(xmpp.ErrBadRequest)
		}
		return pr, nil
	case "message":
		msg, err := xmpp.NewMessageFromElement(elem, fromJID, toJID)
		if err != nil {
			return nil, xmpp.NewStanzaError(xmpp.ErrBadRequest)
		}
		return msg, nil
	}
	return nil, streamerror.ErrUnsupportedStanzaType
}

func (s *Stream) handleElementError(elem xmpp.XElement, err error) {
	switch e := err.(type) {
	case *streamerror.Error:
		s.disconnectWithStreamError(e)
	case *xmpp.StanzaError:
		s.writeElement(xmpp.NewErrorElementFromElement(elem, e, nil))
	default:
		log.Error(err)
	}
}

func (s *Stream) validateStreamElement(elem xmpp.XElement) *streamerror.Error {
	switch s.tr.Type() {
	case transport.Socket, transport.BOSH:
		// A BOSH session's first request has its own Session feed a
		// synthetic stream:stream tag ahead of anything the client sent,
		// so this validates exactly like a raw socket's opening tag.
		if elem.Name() != "stream:stream" {
			return streamerror.ErrUnsupportedStanzaType
		}
		// encoding/xml resolves the stream prefix, so the element's own
		// namespace is the etherx streams URI; the default (stanza)
		// namespace survives as the literal xmlns attribute.
		if elem.Attributes().Get("xmlns") != jabberClientNamespace {
			return streamerror.ErrInvalidNamespace
		}
	case transport.WebSocket:
		if elem.Name() != "open" {
			return streamerror.ErrUnsupportedStanzaType
		}
		if elem.Namespace() != framedStreamNamespace {
			return streamerror.ErrInvalidNamespace
		}
	}
	if to := elem.To(); len(to) > 0 && to != s.cfg.Domain {
		return streamerror.ErrHostUnknown
	}
	return nil
}

func (s *Stream) validateNamespace(elem xmpp.XElement) *streamerror.Error {
	ns := elem.Namespace()
	if len(ns) == 0 || ns == jabberClientNamespace {
		return nil
	}
	return streamerror.ErrInvalidNamespace
}

func (s *Stream) extractAddresses(elem xmpp.XElement, validateFrom bool) (fromJID, toJID *jid.JID, err error) {
	from := elem.From()
	if validateFrom && len(from) > 0 && !s.isValidFrom(from) {
		return nil, nil, streamerror.ErrInvalidFrom
	}
	fromJID = s.JID()

	to := elem.To()
	if len(to) > 0 {
		toJID, err = jid.NewWithString(to, false)
		if err != nil {
			return nil, nil, xmpp.NewStanzaError(xmpp.ErrJidMalformed)
		}
	} else {
		toJID = s.JID().ToBareJID()
	}
	return fromJID, toJID, nil
}

func (s *Stream) isValidFrom(from string) bool {
	j, err := jid.NewWithString(from, false)
	if err != nil {
		return false
	}
	userJID := s.JID()
	valid := j.Node() == userJID.Node() && j.Domain() == userJID.Domain()
	if len(j.Resource()) > 0 {
		valid = valid && j.Resource() == userJID.Resource()
	}
	return valid
}

func (s *Stream) disconnectWithStreamError(err *streamerror.Error) {
	if s.getState() == connecting {
		s.openStream()
	}
	s.writeElement(err.Element())
	s.disconnectClosingStream(true)
}

func (s *Stream) disconnectClosingStream(closeStream bool) {
	if pr := s.Presence(); pr != nil && pr.IsAvailable() && s.presenceEngine != nil {
		s.presenceEngine.Disconnect()
	}
	if closeStream {
		s.sess.Close()
	}

	if s.ipcCh != nil {
		s.deps.Router.Bus().GroupRemove(router.UserGroup(s.Username()), s.ipcCh)
		s.deps.Router.Bus().Close(s.ipcCh)
	}
	close(s.doneCh)

	s.deps.Router.Unbind(s)
	if s.deps.SessionHook != nil && len(s.Resource()) > 0 {
		if err := s.deps.SessionHook.Unbind(s); err != nil {
			log.Error(err)
		}
	}
	if s.deps.AuthHook != nil {
		s.deps.AuthHook.Unbind(s)
	}

	s.setState(disconnected)
	s.tr.Close()
}

func (s *Stream) restart() {
	s.sess = session.New(s.id, &session.Config{
		JID:           s.JID(),
		Transport:     s.tr,
		MaxStanzaSize: s.cfg.MaxStanzaSize,
	})
	s.setState(connecting)
}

func (s *Stream) setState(state uint32) { atomic.StoreUint32(&s.state, state) }
func (s *Stream) getState() uint32      { return atomic.LoadUint32(&s.state) }

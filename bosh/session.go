/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package bosh

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xmppcore/xmppd/c2s"
	"github.com/xmppcore/xmppd/log"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
)

const streamOpenTemplate = `<stream:stream xmlns="jabber:client" xmlns:stream="http://etherx.jabber.org/streams" to="%s" version="1.0">`

// xbosh-prefixed attributes arrive from the parser with their prefix
// resolved to the namespace URI.
const xboshNamespace = "urn:xmpp:xbosh"

// Session is one BOSH client's long-lived identity (spec component J):
// an HTTP-facing front end for a single underlying c2s.Stream. It owns
// the rid acceptance window, the out-of-order holding area, the held
// consumers awaiting data, and the retained replies a client may ask
// for again until it acknowledges them.
type Session struct {
	sid    string
	domain string

	wait       time.Duration
	hold       int
	requests   int // rid window size, hold+1
	inactivity time.Duration
	useAck     bool

	// httpHost/httpOrigin record the Host/Origin of the request that
	// created this session (spec §4.J "Host/origin check"); every
	// subsequent request on this sid must match httpHost, and a
	// mismatched Origin gets an empty CORS-only reply instead of stanza
	// data.
	httpHost   string
	httpOrigin string

	tr     *streamTransport
	stream router.C2S

	mu          sync.Mutex
	started     bool // creation attributes already sent
	ridIn       uint64
	ridOut      uint64
	pending     map[uint64]xmpp.XElement // parked out-of-order request bodies
	replies     map[uint64]string        // answered rid -> reply, kept until acked
	repliesLRU  []uint64
	consumers   map[uint64]*consumer
	terminating bool
	termCond    string
	termSent    bool
	terminated  bool
	streamDone  bool

	inactivityTm *time.Timer
	onTerminate  func(sid string)
	creationKey  string
}

// consumer is one held HTTP request: the goroutine serving it blocks on
// ch until the session resolves it with a complete reply body.
type consumer struct {
	rid    uint64
	ch     chan string
	waitTm *time.Timer
}

// Config carries the BOSH-specific knobs a Manager applies to every
// Session it creates.
type Config struct {
	Domain        string
	MinWait       time.Duration
	MaxWait       time.Duration
	MaxHold       int
	Inactivity    time.Duration
	MaxStanzaSize int
}

// newSession mints a fresh BOSH identity whose first expected request id
// is firstRid, wiring a streamTransport-backed c2s.Stream exactly as a
// TCP listener would wire a socket one. preAuthUser, when non-empty,
// pre-authenticates the stream for the BOSH pre-bind path (spec §4.J
// "Pre-binding").
func newSession(cfg Config, firstRid uint64, wait time.Duration, hold int, httpHost, httpOrigin string,
	tlsCfg *tls.Config, c2sCfg *c2s.Config, deps *c2s.Dependencies, preAuthUser string) *Session {
	s := &Session{
		sid:        uuid.New().String(),
		domain:     cfg.Domain,
		wait:       wait,
		hold:       hold,
		requests:   hold + 1,
		inactivity: cfg.Inactivity,
		httpHost:   httpHost,
		httpOrigin: httpOrigin,
		ridIn:      firstRid,
		ridOut:     firstRid,
		pending:    make(map[uint64]xmpp.XElement),
		replies:    make(map[uint64]string),
		consumers:  make(map[uint64]*consumer),
	}
	s.tr = newStreamTransport(s)
	if len(preAuthUser) > 0 {
		s.stream = c2s.NewPreAuthenticated(s.sid, s.tr, tlsCfg, c2sCfg, deps, preAuthUser)
	} else {
		s.stream = c2s.New(s.sid, s.tr, tlsCfg, c2sCfg, deps)
	}
	s.armInactivity()

	// Feed the synthetic stream-open so c2s.Stream's ordinary
	// handleConnecting logic runs unmodified; BOSH never lets the client
	// send a literal stream:stream tag itself.
	s.tr.feed([]byte(fmt.Sprintf(streamOpenTemplate, cfg.Domain)))
	return s
}

// handleRequest runs one inbound <body/> through the acceptance pipeline
// of spec §4.J (retransmit, window, duplicate, acknowledgement,
// ordering), then holds the calling goroutine until the session resolves
// it with a reply body. The returned string is the complete serialized
// <body/> to write.
func (s *Session) handleRequest(rid uint64, body xmpp.XElement) string {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return terminateBody("remote-connection-failed")
	}

	// retransmit: an already-answered rid inside the retained window is
	// replied to byte-for-byte from cache.
	if cached, ok := s.replies[rid]; ok {
		s.mu.Unlock()
		return cached
	}

	// rid window: accept only ridIn <= rid < ridIn+requests.
	if rid < s.ridIn || rid >= s.ridIn+uint64(s.requests) {
		s.terminateLocked("item-not-found")
		s.mu.Unlock()
		s.stream.Disconnect(nil)
		return terminateBody("item-not-found")
	}

	// duplicate rid with a consumer still in flight: evict the old
	// holder with a recoverable error body and take its place.
	if old := s.consumers[rid]; old != nil {
		s.resolveLocked(old, recoverableErrorBody(), false)
	}

	// acknowledgement: explicit ack attribute, or inferred as
	// rid-requests when absent; retained replies up to it are dropped.
	ack, hasAck := parseUintAttr(body, "ack")
	if !hasAck && rid >= uint64(s.requests) {
		ack = rid - uint64(s.requests)
	}
	s.pruneRepliesLocked(ack)

	// ordering: park the body, then drain the holding area in rid order.
	s.pending[rid] = body
	for {
		next, ok := s.pending[s.ridIn]
		if !ok {
			break
		}
		delete(s.pending, s.ridIn)
		s.ridIn++
		s.processBodyLocked(next)
	}

	c := &consumer{rid: rid, ch: make(chan string, 1)}
	c.waitTm = time.AfterFunc(s.wait, func() { s.waitExpired(rid) })
	s.consumers[rid] = c
	s.stopInactivityLocked()

	s.dispatchLocked()
	s.pruneConsumersLocked()
	s.mu.Unlock()

	return <-c.ch
}

// processBodyLocked feeds one accepted, in-order body into the stream:
// a restart attribute re-opens the XMPP stream (XEP-0206), a terminate
// type starts teardown, and stanza children flow through the transport
// into the parser.
func (s *Session) processBodyLocked(body xmpp.XElement) {
	if boshAttr(body, "restart") == "true" {
		for _, child := range body.Elements().All() {
			s.feedElementLocked(child)
		}
		s.tr.feed([]byte(fmt.Sprintf(streamOpenTemplate, s.domain)))
		return
	}
	for _, child := range body.Elements().All() {
		s.feedElementLocked(child)
	}
	if body.Type() == "terminate" {
		s.terminating = true
	}
}

func (s *Session) feedElementLocked(elem xmpp.XElement) {
	if err := s.tr.feed([]byte(elem.String())); err != nil {
		log.Error(err)
	}
}

// dispatchLocked binds accumulated output to the oldest queued consumer
// matching ridOut, repeating while both data and an eligible consumer
// remain (spec §4.J "Response dispatch").
func (s *Session) dispatchLocked() {
	for {
		c := s.consumers[s.ridOut]
		if c == nil {
			return
		}
		if s.terminating {
			s.resolveLocked(c, s.buildBodyLocked(s.tr.drain(), c.rid), true)
			continue
		}
		if !s.tr.hasPending() && !s.streamDone {
			return
		}
		s.resolveLocked(c, s.buildBodyLocked(s.tr.drain(), c.rid), true)
	}
}

// pruneConsumersLocked returns empty bodies to the oldest consumers when
// more than hold requests are queued.
func (s *Session) pruneConsumersLocked() {
	for len(s.consumers) > s.hold {
		c := s.consumers[s.ridOut]
		if c == nil {
			return
		}
		s.resolveLocked(c, s.buildBodyLocked(s.tr.drain(), c.rid), true)
	}
}

// resolveLocked hands body to c's goroutine and releases the consumer.
// cache=false is used for duplicate-rid eviction, whose recoverable
// error reply must not shadow the real reply the replacement produces.
func (s *Session) resolveLocked(c *consumer, body string, cache bool) {
	if c.waitTm != nil {
		c.waitTm.Stop()
	}
	delete(s.consumers, c.rid)
	if cache {
		s.cacheReplyLocked(c.rid, body)
		if c.rid == s.ridOut {
			s.ridOut = c.rid + 1
		}
	}
	select {
	case c.ch <- body:
	default:
	}
	if len(s.consumers) == 0 && !s.terminated {
		s.armInactivityLocked()
	}
}

// waitExpired fires when a held request has waited its full wait
// interval with no data: every consumer up to and including rid is
// released, oldest first, with whatever (usually nothing) accumulated.
func (s *Session) waitExpired(rid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumers[rid] == nil {
		return
	}
	for s.ridOut <= rid {
		c := s.consumers[s.ridOut]
		if c == nil {
			break
		}
		s.resolveLocked(c, s.buildBodyLocked(s.tr.drain(), c.rid), true)
	}
	// a gap in the consumer chain (an intermediate rid that never
	// arrived) makes strict in-order delivery unmeetable; release the
	// expired request alone rather than hold its connection hostage.
	if c := s.consumers[rid]; c != nil {
		s.resolveLocked(c, s.buildBodyLocked(s.tr.drain(), c.rid), true)
	}
}

// buildBodyLocked wraps inner stanza payload into the <body/> wrapper,
// attaching creation attributes on the very first reply, an ack when
// the highest processed rid differs from the consumer's own, and the
// terminate type/condition during teardown.
func (s *Session) buildBodyLocked(inner string, rid uint64) string {
	var b []byte
	b = append(b, `<body xmlns="`+bodyNamespace+`"`...)
	if !s.started {
		s.started = true
		b = append(b, ` sid="`+s.sid+`"`...)
		b = append(b, ` wait="`+strconv.Itoa(int(s.wait/time.Second))+`"`...)
		b = append(b, ` requests="`+strconv.Itoa(s.requests)+`"`...)
		b = append(b, ` hold="`+strconv.Itoa(s.hold)+`"`...)
		b = append(b, ` inactivity="`+strconv.Itoa(int(s.inactivity/time.Second))+`"`...)
		b = append(b, ` from="`+s.domain+`"`...)
		b = append(b, ` ver="1.6" xmpp:version="1.0" xmlns:xmpp="`+xboshNamespace+`"`...)
	}
	if s.useAck && s.ridIn > 0 && s.ridIn-1 != rid {
		b = append(b, ` ack="`+strconv.FormatUint(s.ridIn-1, 10)+`"`...)
	}
	if s.terminating && !s.termSent {
		s.termSent = true
		b = append(b, ` type="terminate"`...)
		if len(s.termCond) > 0 {
			b = append(b, ` condition="`+s.termCond+`"`...)
		}
		s.terminated = true
		s.notifyTerminatedLocked()
	}
	b = append(b, '>')
	b = append(b, inner...)
	b = append(b, `</body>`...)
	return string(b)
}

func (s *Session) cacheReplyLocked(rid uint64, body string) {
	s.replies[rid] = body
	s.repliesLRU = append(s.repliesLRU, rid)
	// retained replies are bounded by the requests window even if the
	// client never acknowledges.
	for len(s.repliesLRU) > s.requests {
		old := s.repliesLRU[0]
		s.repliesLRU = s.repliesLRU[1:]
		delete(s.replies, old)
	}
}

func (s *Session) pruneRepliesLocked(ack uint64) {
	for len(s.repliesLRU) > 0 && s.repliesLRU[0] <= ack {
		delete(s.replies, s.repliesLRU[0])
		s.repliesLRU = s.repliesLRU[1:]
	}
}

// onOutput is invoked by the streamTransport whenever the underlying
// stream wrote new data; it wakes the oldest held consumer.
func (s *Session) onOutput() {
	s.mu.Lock()
	s.dispatchLocked()
	s.mu.Unlock()
}

// onStreamClosed is invoked by the streamTransport when c2s.Stream
// writes its closing tag; the session queues a final terminate body.
func (s *Session) onStreamClosed() {
	s.mu.Lock()
	s.streamDone = true
	s.terminating = true
	if len(s.termCond) == 0 {
		s.termCond = "remote-stream-error"
	}
	s.dispatchLocked()
	s.mu.Unlock()
}

// terminateLocked flushes every held consumer (in rid order, the first
// carrying the terminate body) and marks the session dead.
func (s *Session) terminateLocked(condition string) {
	s.terminating = true
	if len(s.termCond) == 0 {
		s.termCond = condition
	}
	rids := make([]uint64, 0, len(s.consumers))
	for rid := range s.consumers {
		rids = append(rids, rid)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })
	for _, rid := range rids {
		c := s.consumers[rid]
		s.resolveLocked(c, s.buildBodyLocked(s.tr.drain(), c.rid), true)
	}
	s.terminated = true
	s.notifyTerminatedLocked()
}

func (s *Session) notifyTerminatedLocked() {
	s.stopInactivityLocked()
	if s.onTerminate != nil {
		sid := s.sid
		cb := s.onTerminate
		s.onTerminate = nil
		go cb(sid)
	}
}

// terminate tears the session down from outside the request path
// (inactivity timeout, manager shutdown).
func (s *Session) terminate(condition string) {
	s.mu.Lock()
	s.terminateLocked(condition)
	s.mu.Unlock()
	s.stream.Disconnect(nil)
	log.Infof("bosh session terminated... sid: %s", s.sid)
}

func (s *Session) isTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Session) armInactivity() {
	s.mu.Lock()
	s.armInactivityLocked()
	s.mu.Unlock()
}

func (s *Session) armInactivityLocked() {
	if s.inactivityTm != nil {
		s.inactivityTm.Stop()
	}
	if s.inactivity <= 0 {
		return
	}
	s.inactivityTm = time.AfterFunc(s.inactivity, func() {
		s.terminate("remote-connection-failed")
	})
}

func (s *Session) stopInactivityLocked() {
	if s.inactivityTm != nil {
		s.inactivityTm.Stop()
		s.inactivityTm = nil
	}
}

// markStreamClosed is the transport-facing alias for onStreamClosed.
func (s *Session) markStreamClosed() { s.onStreamClosed() }

// matchesHost reports whether host equals the Host header recorded for
// this session at creation time (spec §4.J point 2, "reject if Host
// header differs").
func (s *Session) matchesHost(host string) bool {
	return s.httpHost == "" || s.httpHost == host
}

// originTrusted reports whether origin equals the Origin recorded for
// this session at creation time. An empty recorded origin (no Origin
// header on the creating request) trusts everything, matching a
// same-origin client that never sends the header.
func (s *Session) originTrusted(origin string) bool {
	return s.httpOrigin == "" || s.httpOrigin == origin
}

func terminateBody(condition string) string {
	return `<body xmlns="` + bodyNamespace + `" type="terminate" condition="` + condition + `"/>`
}

func recoverableErrorBody() string {
	return `<body xmlns="` + bodyNamespace + `" type="error"/>`
}

// boshAttr fetches a body attribute that may arrive either bare or with
// its xbosh prefix resolved to the namespace URI by the parser.
func boshAttr(body xmpp.XElement, name string) string {
	if v := body.Attributes().Get(xboshNamespace + ":" + name); len(v) > 0 {
		return v
	}
	return body.Attributes().Get(name)
}

func parseUintAttr(body xmpp.XElement, name string) (uint64, bool) {
	v := body.Attributes().Get(name)
	if len(v) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

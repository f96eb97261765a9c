/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package session glues a transport and the incremental XML parser
// together into the read/write primitives the stream state machine
// (package c2s) drives: Open, Send, Receive, Close.
package session

import (
	"io"
	"strings"

	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/transport"
	"github.com/xmppcore/xmppd/xmpp"
	"github.com/xmppcore/xmppd/xmpp/parser"
	"github.com/xmppcore/xmppd/xmpp/streamerror"
)

const (
	jabberClientNamespace = "jabber:client"
	framedStreamNamespace = "urn:ietf:params:xml:ns:xmpp-framing"
	streamNamespace       = "http://etherx.jabber.org/streams"
)

// Error wraps whatever went wrong while reading a session: a fatal
// *streamerror.Error, a per-stanza *xmpp.StanzaError tied to the
// offending Element, or a generic I/O error (nil UnderlyingErr on clean
// EOF).
type Error struct {
	UnderlyingErr error
	Element       xmpp.XElement
}

func (e *Error) Error() string {
	if e.UnderlyingErr != nil {
		return e.UnderlyingErr.Error()
	}
	return "session: closed"
}

// Config configures a new Session.
type Config struct {
	JID           *jid.JID
	Transport     transport.Transport
	MaxStanzaSize int
}

// Session represents the read/write half of a bound XMPP stream.
type Session struct {
	id     string
	jid    *jid.JID
	tr     transport.Transport
	parser *parser.Parser
	opened bool
}

// New creates a new Session for the given stream id.
func New(id string, cfg *Config) *Session {
	return &Session{
		id:     id,
		jid:    cfg.JID,
		tr:     cfg.Transport,
		parser: parser.New(cfg.Transport, cfg.MaxStanzaSize),
	}
}

// SetJID updates the JID the session reports in its opening stream header.
func (s *Session) SetJID(j *jid.JID) { s.jid = j }

// Open writes the stream opening tag matching the underlying transport
// type (spec §4.C/§4.K): <stream:stream> for Socket/BOSH, <open/> for
// WebSocket.
func (s *Session) Open() {
	id := s.id
	switch s.tr.Type() {
	case transport.WebSocket:
		open := xmpp.NewElementNamespace("open", framedStreamNamespace)
		open.SetAttribute("id", id)
		open.SetAttribute("from", s.domain())
		open.SetAttribute("version", "1.0")
		s.tr.WriteString(open.String())
	default:
		s.tr.WriteString(`<?xml version="1.0"?>`)
		open := xmpp.NewElementName("stream:stream")
		open.SetAttribute("xmlns", jabberClientNamespace)
		open.SetAttribute("xmlns:stream", streamNamespace)
		open.SetAttribute("id", id)
		open.SetAttribute("from", s.domain())
		open.SetAttribute("version", "1.0")
		open.SetAttribute("xml:lang", "en")
		var sb strings.Builder
		open.ToXML(&sb, false)
		s.tr.WriteString(sb.String())
	}
	s.opened = true
}

func (s *Session) domain() string {
	if s.jid == nil {
		return ""
	}
	return s.jid.Domain()
}

// Send serializes elem and writes it to the transport in one WriteString
// call.
func (s *Session) Send(elem xmpp.XElement) {
	s.tr.WriteString(elem.String())
}

// Receive reads the next top-level element (or the stream header, on the
// very first call) from the transport.
func (s *Session) Receive() (xmpp.XElement, *Error) {
	elem, err := s.parser.ParseElement()
	if err == nil {
		return elem, nil
	}
	if err == io.EOF || err == parser.ErrStreamClosedByPeer {
		return nil, &Error{}
	}
	if err == parser.ErrTooLarge {
		return nil, &Error{UnderlyingErr: streamerror.ErrPolicyViolation}
	}
	return nil, &Error{UnderlyingErr: err}
}

// Close writes the stream closing tag and leaves the transport itself for
// the caller to shut down.
func (s *Session) Close() {
	if !s.opened {
		return
	}
	switch s.tr.Type() {
	case transport.WebSocket:
		s.tr.WriteString(`<close xmlns='` + framedStreamNamespace + `'/>`)
	default:
		s.tr.WriteString(`</stream:stream>`)
	}
}

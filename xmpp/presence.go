/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp

import (
	"fmt"
	"strconv"

	"github.com/xmppcore/xmppd/jid"
)

// Presence stanza types, RFC 6121 §4.2/§4.3.
const (
	SubscribeType    = "subscribe"
	SubscribedType   = "subscribed"
	UnsubscribeType  = "unsubscribe"
	UnsubscribedType = "unsubscribed"
	AvailableType    = "available"
	UnavailableType  = "unavailable"
	ProbeType        = "probe"
)

// Presence type represents a <presence> element.
type Presence struct {
	Element
	showValue PresenceShow
	priority  int8
}

// PresenceShow represents a <show> sub element value.
type PresenceShow int

const (
	// AvailableShow represents no show element set.
	AvailableShow PresenceShow = iota
	// AwayShow represents the 'away' show value.
	AwayShow
	// ChatShow represents the 'chat' show value.
	ChatShow
	// DoNotDisturbShow represents the 'dnd' show value.
	DoNotDisturbShow
	// ExtendedAwayShow represents the 'xa' show value.
	ExtendedAwayShow
)

// NewPresence creates and returns a new Presence stanza between the given
// JIDs with the given type.
func NewPresence(from, to *jid.JID, presenceType string) *Presence {
	p := &Presence{}
	p.SetName("presence")
	if len(presenceType) > 0 {
		p.SetType(presenceType)
	}
	p.SetFromJID(from)
	p.SetToJID(to)
	return p
}

// NewPresenceFromElement creates a Presence object from an XElement.
func NewPresenceFromElement(e XElement, from, to *jid.JID) (*Presence, error) {
	if e.Name() != "presence" {
		return nil, fmt.Errorf("wrong Presence element name: %s", e.Name())
	}
	presenceType := e.Type()
	if !isPresenceType(presenceType) {
		return nil, fmt.Errorf(`invalid Presence "type" attribute: %s`, presenceType)
	}
	p := &Presence{}
	p.copyFrom(e)
	p.SetToJID(to)
	p.SetFromJID(from)

	if err := p.setShow(); err != nil {
		return nil, err
	}
	if err := p.setPriority(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Presence) setShow() error {
	p.showValue = AvailableShow
	show := p.Elements().Child("show")
	if show == nil {
		return nil
	}
	switch show.Text() {
	case "away":
		p.showValue = AwayShow
	case "chat":
		p.showValue = ChatShow
	case "dnd":
		p.showValue = DoNotDisturbShow
	case "xa":
		p.showValue = ExtendedAwayShow
	default:
		return fmt.Errorf("invalid presence show value: %s", show.Text())
	}
	return nil
}

func (p *Presence) setPriority() error {
	prio := p.Elements().Child("priority")
	if prio == nil {
		return nil
	}
	val, err := strconv.Atoi(prio.Text())
	if err != nil {
		return err
	}
	if val < -128 || val > 127 {
		return fmt.Errorf("invalid presence priority value: %d", val)
	}
	p.priority = int8(val)
	return nil
}

// IsAvailable returns true if no 'type' attribute is present (the default
// availability presence).
func (p *Presence) IsAvailable() bool {
	t := p.Type()
	return len(t) == 0 || t == AvailableType
}

// IsUnavailable returns true if this is an 'unavailable' type Presence.
func (p *Presence) IsUnavailable() bool { return p.Type() == UnavailableType }

// IsSubscribe returns true if this is a 'subscribe' type Presence.
func (p *Presence) IsSubscribe() bool { return p.Type() == SubscribeType }

// IsSubscribed returns true if this is a 'subscribed' type Presence.
func (p *Presence) IsSubscribed() bool { return p.Type() == SubscribedType }

// IsUnsubscribe returns true if this is an 'unsubscribe' type Presence.
func (p *Presence) IsUnsubscribe() bool { return p.Type() == UnsubscribeType }

// IsUnsubscribed returns true if this is an 'unsubscribed' type Presence.
func (p *Presence) IsUnsubscribed() bool { return p.Type() == UnsubscribedType }

// IsProbe returns true if this is a 'probe' type Presence.
func (p *Presence) IsProbe() bool { return p.Type() == ProbeType }

// Show returns presence show sub element value.
func (p *Presence) Show() PresenceShow { return p.showValue }

// Priority returns presence priority sub element value.
func (p *Presence) Priority() int8 { return p.priority }

// Status returns presence status sub element value, if any.
func (p *Presence) Status() string {
	if st := p.Elements().Child("status"); st != nil {
		return st.Text()
	}
	return ""
}

func isPresenceType(presenceType string) bool {
	switch presenceType {
	case "", ErrorType, SubscribeType, SubscribedType, UnsubscribeType, UnsubscribedType, AvailableType, UnavailableType, ProbeType:
		return true
	default:
		return false
	}
}

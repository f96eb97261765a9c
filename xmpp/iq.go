/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp

import (
	"fmt"

	"github.com/xmppcore/xmppd/jid"
)

const (
	// GetType represents an 'get' IQ type.
	GetType = "get"

	// SetType represents a 'set' IQ type.
	SetType = "set"

	// ResultType represents a 'result' IQ type.
	ResultType = "result"
)

// IQ type represents an <iq> stanza, the basic query/response mechanism.
type IQ struct {
	Element
}

// NewIQType creates and returns a new IQ element.
func NewIQType(identifier, iqType string) *IQ {
	iq := &IQ{}
	iq.SetName("iq")
	iq.SetID(identifier)
	iq.SetType(iqType)
	return iq
}

// NewIQFromElement creates an IQ object from an already parsed Element,
// validating the set of mandatory attributes RFC 6120 §8.2.3 requires.
func NewIQFromElement(e XElement, from, to *jid.JID) (*IQ, error) {
	if e.Name() != "iq" {
		return nil, fmt.Errorf("wrong IQ element name: %s", e.Name())
	}
	if len(e.ID()) == 0 {
		return nil, NewStanzaError(ErrBadRequest)
	}
	iqType := e.Type()
	if len(iqType) == 0 {
		return nil, NewStanzaError(ErrBadRequest)
	}
	if !isIQType(iqType) {
		return nil, fmt.Errorf(`invalid IQ "type" attribute: %s`, iqType)
	}
	switch iqType {
	case GetType, SetType:
		if e.Elements().Count() != 1 {
			return nil, NewStanzaError(ErrBadRequest)
		}
	}
	iq := &IQ{}
	iq.copyFrom(e)
	iq.SetToJID(to)
	iq.SetFromJID(from)
	return iq, nil
}

// IsGet returns true if this is a 'get' type IQ.
func (iq *IQ) IsGet() bool { return iq.Type() == GetType }

// IsSet returns true if this is a 'set' type IQ.
func (iq *IQ) IsSet() bool { return iq.Type() == SetType }

// IsResult returns true if this is a 'result' type IQ.
func (iq *IQ) IsResult() bool { return iq.Type() == ResultType }

// ResultIQ returns a 'result' reply built from the IQ request, swapping
// from/to addresses.
func (iq *IQ) ResultIQ() *IQ {
	result := NewIQType(iq.ID(), ResultType)
	result.SetToJID(iq.FromJID())
	result.SetFromJID(iq.ToJID())
	return result
}

func (iq *IQ) error(condition string) XElement {
	return NewErrorElementFromElement(iq, NewStanzaError(condition), nil)
}

// BadRequestError returns an error copy of the IQ with bad-request condition.
func (iq *IQ) BadRequestError() XElement { return iq.error(ErrBadRequest) }

// NotAllowedError returns an error copy of the IQ with not-allowed condition.
func (iq *IQ) NotAllowedError() XElement { return iq.error(ErrNotAllowed) }

// ForbiddenError returns an error copy of the IQ with forbidden condition.
func (iq *IQ) ForbiddenError() XElement { return iq.error(ErrForbidden) }

// ConflictError returns an error copy of the IQ with conflict condition.
func (iq *IQ) ConflictError() XElement { return iq.error(ErrConflict) }

// ItemNotFoundError returns an error copy of the IQ with item-not-found condition.
func (iq *IQ) ItemNotFoundError() XElement { return iq.error(ErrItemNotFound) }

// ServiceUnavailableError returns an error copy of the IQ with service-unavailable condition.
func (iq *IQ) ServiceUnavailableError() XElement { return iq.error(ErrServiceUnavailable) }

// NotAcceptableError returns an error copy of the IQ with not-acceptable condition.
func (iq *IQ) NotAcceptableError() XElement { return iq.error(ErrNotAcceptable) }

// InternalServerError returns an error copy of the IQ with internal-server-error condition.
func (iq *IQ) InternalServerError() XElement { return iq.error(ErrInternalServerError) }

// RemoteServerNotFoundError returns an error copy of the IQ with remote-server-not-found condition.
func (iq *IQ) RemoteServerNotFoundError() XElement { return iq.error(ErrRemoteServerNotFound) }

func isIQType(tp string) bool {
	switch tp {
	case GetType, SetType, ResultType, ErrorType:
		return true
	}
	return false
}

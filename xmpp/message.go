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
	// NormalType represents a 'normal' message type.
	NormalType = "normal"

	// HeadlineType represents a 'headline' message type.
	HeadlineType = "headline"

	// ChatType represents a 'chat' message type.
	ChatType = "chat"

	// GroupChatType represents a 'groupchat' message type.
	GroupChatType = "groupchat"
)

// Message type represents a <message> element.
type Message struct {
	Element
}

// NewMessageType creates and returns a new Message element.
func NewMessageType(identifier, messageType string) *Message {
	msg := &Message{}
	msg.SetName("message")
	msg.SetID(identifier)
	msg.SetType(messageType)
	return msg
}

// NewMessageFromElement creates a Message object from an XElement.
func NewMessageFromElement(e XElement, from, to *jid.JID) (*Message, error) {
	if e.Name() != "message" {
		return nil, fmt.Errorf("wrong Message element name: %s", e.Name())
	}
	messageType := e.Type()
	if !isMessageType(messageType) {
		return nil, fmt.Errorf(`invalid Message "type" attribute: %s`, messageType)
	}
	m := &Message{}
	m.copyFrom(e)
	m.SetToJID(to)
	m.SetFromJID(from)
	m.SetNamespace("")
	return m, nil
}

// IsNormal returns true if this is a 'normal' type Message.
func (m *Message) IsNormal() bool { return m.Type() == NormalType || m.Type() == "" }

// IsHeadline returns true if this is a 'headline' type Message.
func (m *Message) IsHeadline() bool { return m.Type() == HeadlineType }

// IsChat returns true if this is a 'chat' type Message.
func (m *Message) IsChat() bool { return m.Type() == ChatType }

// IsGroupChat returns true if this is a 'groupchat' type Message.
func (m *Message) IsGroupChat() bool { return m.Type() == GroupChatType }

// IsMessageWithBody returns true if the message has a body sub element.
func (m *Message) IsMessageWithBody() bool { return m.Elements().Child("body") != nil }

// IsPrivate returns true if the message carries the XEP-0280 <private/> hint.
func (m *Message) IsPrivate() bool {
	return m.Elements().ChildNamespace("private", carbonsNamespace) != nil
}

func (m *Message) error(condition string) XElement {
	return NewErrorElementFromElement(m, NewStanzaError(condition), nil)
}

// ServiceUnavailableError returns an error copy of the message.
func (m *Message) ServiceUnavailableError() XElement { return m.error(ErrServiceUnavailable) }

// RemoteServerNotFoundError returns an error copy of the message.
func (m *Message) RemoteServerNotFoundError() XElement { return m.error(ErrRemoteServerNotFound) }

func isMessageType(messageType string) bool {
	switch messageType {
	case "", ErrorType, NormalType, HeadlineType, ChatType, GroupChatType:
		return true
	default:
		return false
	}
}

/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xmpp

const (
	carbonsNamespace = "urn:xmpp:carbons:2"
	forwardNamespace = "urn:xmpp:forward:0"
)

// CarbonsNamespace exposes the XEP-0280 namespace for module wiring.
const CarbonsNamespace = carbonsNamespace

// WrapInSentCarbon wraps the original message in a <sent><forwarded> XEP-0280
// carbon copy addressed to one of the sender's own resources.
func WrapInSentCarbon(original XElement) XElement {
	return wrapCarbon("sent", original)
}

// WrapInReceivedCarbon wraps the original message in a <received><forwarded>
// XEP-0280 carbon copy addressed to one of the recipient's own resources.
func WrapInReceivedCarbon(original XElement) XElement {
	return wrapCarbon("received", original)
}

func wrapCarbon(direction string, original XElement) XElement {
	msg := NewMessageType(uuidPlaceholder(), "")
	msg.SetFrom(original.From())

	carbon := NewElementNamespace(direction, carbonsNamespace)
	forwarded := NewElementNamespace("forwarded", forwardNamespace)
	forwarded.AppendElement(NewElementFromElement(original))
	carbon.AppendElement(forwarded)
	msg.AppendElement(carbon)
	return msg
}

// uuidPlaceholder avoids importing a uuid generator into the xmpp package;
// carbon copies are not required to carry an id (Non-goal: stanza IDs for
// messages/presence), so callers overwrite it when they care.
func uuidPlaceholder() string { return "" }

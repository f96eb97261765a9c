/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package router

import (
	"sync"

	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/xmpp"
)

// Message is the untyped, at-least-once, unordered payload exchanged over
// the IPC bus (spec component M). Type is a dotted path ("presence.available",
// "roster.push", "messaging.carbon"...) that the receiving stream's module
// dispatch table maps to a handler method.
type Message struct {
	Type   string
	Origin string
	From   *jid.JID
	XML    xmpp.XElement
}

// Handler processes an inbound IPC Message on the owning stream's own
// goroutine (dispatched through the stream's actor channel by the
// consumer loop, so handlers never race with stanza processing).
type Handler func(msg Message)

// Channel is a single stream's private IPC mailbox: one per bound
// resource, named by its full JID string.
type Channel struct {
	name string
	ch   chan Message
}

// Bus is the process-local group/channel layer described in spec §4.M.
// Every bound stream owns exactly one Channel and joins the group
// "xmpp.user.<user>"; group_send delivers to every member's channel,
// send delivers to exactly one channel (used for probe/subscribe
// replies that must reach only the requester).
type Bus struct {
	mu       sync.RWMutex
	groups   map[string]map[string]*Channel // group -> channel name -> channel
	channels map[string]*Channel
}

// NewBus constructs an empty IPC bus.
func NewBus() *Bus {
	return &Bus{
		groups:   make(map[string]map[string]*Channel),
		channels: make(map[string]*Channel),
	}
}

// UserGroup returns the IPC group name for a bare username.
func UserGroup(user string) string { return "xmpp.user." + user }

// NewChannel allocates a mailbox for name (typically the stream's bound
// full JID string) with the given mailbox depth.
func (b *Bus) NewChannel(name string, mailboxSize int) *Channel {
	ch := &Channel{name: name, ch: make(chan Message, mailboxSize)}
	b.mu.Lock()
	b.channels[name] = ch
	b.mu.Unlock()
	return ch
}

// GroupAdd joins channel to group.
func (b *Bus) GroupAdd(group string, ch *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.groups[group]
	if members == nil {
		members = make(map[string]*Channel)
		b.groups[group] = members
	}
	members[ch.name] = ch
}

// GroupRemove removes channel from group; once the last member leaves,
// the group entry itself is dropped.
func (b *Bus) GroupRemove(group string, ch *Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.groups[group]
	if members == nil {
		return
	}
	delete(members, ch.name)
	if len(members) == 0 {
		delete(b.groups, group)
	}
}

// GroupSend delivers msg to every channel currently in group. Delivery is
// at-least-once and unordered with respect to any concurrent database
// write a consumer may depend on (spec §4.M).
func (b *Bus) GroupSend(group string, msg Message) {
	b.mu.RLock()
	members := make([]*Channel, 0, len(b.groups[group]))
	for _, ch := range b.groups[group] {
		members = append(members, ch)
	}
	b.mu.RUnlock()
	for _, ch := range members {
		ch.send(msg)
	}
}

// Send delivers msg to exactly one named channel, used for replies that
// must reach only the originator (e.g. a presence probe reply).
func (b *Bus) Send(name string, msg Message) {
	b.mu.RLock()
	ch := b.channels[name]
	b.mu.RUnlock()
	if ch != nil {
		ch.send(msg)
	}
}

// Close removes the channel from the bus. It does not drain pending
// messages; the owning stream's receive loop is expected to have already
// stopped reading by the time Close runs.
func (b *Bus) Close(ch *Channel) {
	b.mu.Lock()
	delete(b.channels, ch.name)
	b.mu.Unlock()
}

func (c *Channel) send(msg Message) {
	select {
	case c.ch <- msg:
	default:
		// mailbox full: drop rather than block the sender's loop. At
		// least-once delivery is already only best-effort across a
		// process restart; a saturated mailbox means the consumer is
		// wedged and dropping is preferable to stalling presence/roster
		// broadcast for every other group member.
	}
}

// Receive returns the channel's message queue, for use in a select loop
// alongside the stream's actor channel and done signal.
func (c *Channel) Receive() <-chan Message { return c.ch }

// Name returns the channel's registered name.
func (c *Channel) Name() string { return c.name }

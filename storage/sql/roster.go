/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sql

import (
	dbsql "database/sql"
	"strings"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
)

func rosterKey(owner string, contact *jid.JID) string {
	return owner + "\x00" + contact.ToBareJID().String()
}

func (h *Hooks) GetContacts(owner string) ([]*hook.RosterItem, error) {
	rows, err := h.builder.Select(
		"contact", "in_roster", "name", "groups", "subscribed_from", "subscribed_to",
		"preapproved", "pending_in", "pending_out", "stanza_in", "stanza_out").
		From("roster_items").Where(squirrelEq("owner", owner)).Query()
	if err != nil {
		return nil, errSQLStorage
	}
	defer rows.Close()

	var items []*hook.RosterItem
	for rows.Next() {
		item, err := scanRosterRow(owner, rows)
		if err != nil {
			return nil, errSQLStorage
		}
		items = append(items, item)
	}
	return items, nil
}

func (h *Hooks) GetContact(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	row := h.builder.Select(
		"contact", "in_roster", "name", "groups", "subscribed_from", "subscribed_to",
		"preapproved", "pending_in", "pending_out", "stanza_in", "stanza_out").
		From("roster_items").
		Where(squirrelEq("owner", owner)).
		Where(squirrelEq("contact", contact.ToBareJID().String())).
		QueryRow()
	item, err := scanRosterRow(owner, row)
	if err == dbsql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errSQLStorage
	}
	return item, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRosterRow(owner string, row rowScanner) (*hook.RosterItem, error) {
	var (
		contactJID                                     string
		inRoster, subFrom, subTo, preapproved           bool
		pendingIn, pendingOut                           bool
		name, groupsCSV, stanzaIn, stanzaOut            string
	)
	if err := row.Scan(&contactJID, &inRoster, &name, &groupsCSV, &subFrom, &subTo,
		&preapproved, &pendingIn, &pendingOut, &stanzaIn, &stanzaOut); err != nil {
		return nil, err
	}
	contact, err := jid.NewWithString(contactJID, true)
	if err != nil {
		return nil, err
	}
	var groups []string
	if groupsCSV != "" {
		groups = strings.Split(groupsCSV, ",")
	}
	return &hook.RosterItem{
		Owner:          owner,
		Contact:        contact,
		InRoster:       inRoster,
		Name:           name,
		Groups:         groups,
		SubscribedFrom: subFrom,
		SubscribedTo:   subTo,
		Preapproved:    preapproved,
		PendingIn:      pendingIn,
		PendingOut:     pendingOut,
		StanzaIn:       stanzaIn,
		StanzaOut:      stanzaOut,
	}, nil
}

func (h *Hooks) UpdateContact(owner string, contact *jid.JID, name string, groups []string) error {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()

	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return err
	}
	item.InRoster = true
	item.Name = name
	item.Groups = groups
	return h.saveRosterItem(item)
}

// RemoveContact implements the roster-hook half of spec §4.F's
// `subscription='remove'` path: the engine itself synthesizes the
// outbound unsubscribe/unsubscribed stanzas before calling this; by the
// time it's called here the item is only persisted as no-longer-present
// unless some subscription flag still legitimately keeps the row alive.
func (h *Hooks) RemoveContact(owner string, contact *jid.JID) error {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()

	item, err := h.GetContact(owner, contact)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}
	item.InRoster = false
	item.Name = ""
	item.Groups = nil
	return h.saveOrDeleteRosterItem(item)
}

func (h *Hooks) GetPending(owner string) ([]*hook.RosterItem, error) {
	rows, err := h.builder.Select(
		"contact", "in_roster", "name", "groups", "subscribed_from", "subscribed_to",
		"preapproved", "pending_in", "pending_out", "stanza_in", "stanza_out").
		From("roster_items").
		Where(squirrelEq("owner", owner)).
		Where(squirrelEq("pending_in", true)).Query()
	if err != nil {
		return nil, errSQLStorage
	}
	defer rows.Close()

	var items []*hook.RosterItem
	for rows.Next() {
		item, err := scanRosterRow(owner, rows)
		if err != nil {
			return nil, errSQLStorage
		}
		items = append(items, item)
	}
	return items, nil
}

func (h *Hooks) IsPending(owner string, contact *jid.JID) (bool, error) {
	item, err := h.GetContact(owner, contact)
	if err != nil {
		return false, err
	}
	return item != nil && item.PendingIn, nil
}

func (h *Hooks) getOrCreate(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	item, err := h.GetContact(owner, contact)
	if err != nil {
		return nil, err
	}
	if item == nil {
		item = &hook.RosterItem{Owner: owner, Contact: contact}
	}
	return item, nil
}

// saveRosterItem upserts a row unconditionally (used where the row must
// persist regardless of subscription state, e.g. after an explicit
// roster-set). The delete-then-insert pair is portable across all three
// supported drivers and runs inside the caller's per-(owner,contact)
// critical section, so it can't race another writer of the same row.
func (h *Hooks) saveRosterItem(item *hook.RosterItem) error {
	groupsCSV := strings.Join(item.Groups, ",")
	if _, err := h.builder.Delete("roster_items").
		Where(squirrelEq("owner", item.Owner)).
		Where(squirrelEq("contact", item.Contact.ToBareJID().String())).Exec(); err != nil {
		return errSQLStorage
	}
	_, err := h.builder.Insert("roster_items").
		Columns("owner", "contact", "in_roster", "name", "groups", "subscribed_from",
			"subscribed_to", "preapproved", "pending_in", "pending_out", "stanza_in", "stanza_out").
		Values(item.Owner, item.Contact.ToBareJID().String(), item.InRoster, item.Name, groupsCSV,
			item.SubscribedFrom, item.SubscribedTo, item.Preapproved, item.PendingIn, item.PendingOut,
			item.StanzaIn, item.StanzaOut).
		Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

// saveOrDeleteRosterItem persists item unless every retaining flag is
// false and it's not in_roster, in which case the row is dropped
// entirely per spec §3's roster-item invariant.
func (h *Hooks) saveOrDeleteRosterItem(item *hook.RosterItem) error {
	if !item.InRoster && !item.SubscribedFrom && !item.SubscribedTo &&
		!item.Preapproved && !item.PendingIn && !item.PendingOut {
		_, err := h.builder.Delete("roster_items").
			Where(squirrelEq("owner", item.Owner)).
			Where(squirrelEq("contact", item.Contact.ToBareJID().String())).Exec()
		if err != nil {
			return errSQLStorage
		}
		return nil
	}
	return h.saveRosterItem(item)
}

// The ten subscription transitions (spec §4.F). Each loads, mutates in
// memory per the documented policy, then persists/deletes atomically
// under the (owner, contact) lock acquired by the caller-visible method.

func (h *Hooks) OutboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	if !item.SubscribedTo {
		item.PendingOut = true
	}
	item.StanzaOut = stanza
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) OutboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	if item.PendingIn {
		item.PendingIn = false
		item.SubscribedFrom = true
	} else if !item.SubscribedFrom {
		// pre-approval and an existing from-subscription are mutually
		// exclusive; a repeated grant changes nothing.
		item.Preapproved = true
	}
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) OutboundUnsubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.SubscribedTo = false
	item.PendingOut = false
	item.StanzaOut = stanza
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) OutboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.SubscribedFrom = false
	item.PendingIn = false
	item.Preapproved = false
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) InboundSubscribe(owner string, contact *jid.JID, stanza string) (*hook.RosterItem, bool, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, false, err
	}
	autoAccepted := false
	switch {
	case item.SubscribedFrom:
		// already granted; a repeated request changes nothing.
	case item.Preapproved:
		item.Preapproved = false
		item.SubscribedFrom = true
		autoAccepted = true
	default:
		item.PendingIn = true
		item.StanzaIn = stanza
	}
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, false, err
	}
	return item, autoAccepted, nil
}

func (h *Hooks) InboundSubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.PendingOut = false
	item.SubscribedTo = true
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) InboundUnsubscribe(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.SubscribedFrom = false
	item.PendingIn = false
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) InboundUnsubscribed(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.SubscribedTo = false
	item.PendingOut = false
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) CancelPendingOut(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.PendingOut = false
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

func (h *Hooks) CancelPendingIn(owner string, contact *jid.JID) (*hook.RosterItem, error) {
	unlock := h.lockKey(rosterKey(owner, contact))
	defer unlock()
	item, err := h.getOrCreate(owner, contact)
	if err != nil {
		return nil, err
	}
	item.PendingIn = false
	if err := h.saveOrDeleteRosterItem(item); err != nil {
		return nil, err
	}
	return item, nil
}

/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sql

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/xmppcore/xmppd/jid"
)

var rosterColumns = []string{
	"contact", "in_roster", "name", "groups", "subscribed_from", "subscribed_to",
	"preapproved", "pending_in", "pending_out", "stanza_in", "stanza_out",
}

func emptyRosterRows() *sqlmock.Rows { return sqlmock.NewRows(rosterColumns) }

func rosterRow(contact string, subFrom, subTo, preapproved, pendingIn, pendingOut bool) *sqlmock.Rows {
	return sqlmock.NewRows(rosterColumns).
		AddRow(contact, true, "", "", subFrom, subTo, preapproved, pendingIn, pendingOut, "", "")
}

func expectSelectContact(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT (.+) FROM roster_items WHERE owner = (.+) AND contact = (.+)").
		WillReturnRows(rows)
}

func expectSave(mock sqlmock.Sqlmock) {
	mock.ExpectExec("DELETE FROM roster_items WHERE owner = (.+) AND contact = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO roster_items (.+)").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func expectDelete(mock sqlmock.Sqlmock) {
	mock.ExpectExec("DELETE FROM roster_items WHERE owner = (.+) AND contact = (.+)").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRosterOutboundSubscribeSetsPendingOut(t *testing.T) {
	h, mock := NewMock()
	contact, _ := jid.NewWithString("bob@localhost", false)

	expectSelectContact(mock, emptyRosterRows())
	expectSave(mock)

	item, err := h.OutboundSubscribe("alice", contact, "<presence type=\"subscribe\"/>")
	require.NoError(t, err)
	require.True(t, item.PendingOut)
	require.False(t, item.SubscribedTo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterOutboundSubscribedGrantsPendingIn(t *testing.T) {
	h, mock := NewMock()
	contact, _ := jid.NewWithString("bob@localhost", false)

	expectSelectContact(mock, rosterRow("bob@localhost", false, false, false, true, false))
	expectSave(mock)

	item, err := h.OutboundSubscribed("alice", contact)
	require.NoError(t, err)
	require.True(t, item.SubscribedFrom)
	require.False(t, item.PendingIn)
	require.False(t, item.Preapproved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterOutboundSubscribedPreapprovesWithoutRequest(t *testing.T) {
	h, mock := NewMock()
	contact, _ := jid.NewWithString("bob@localhost", false)

	expectSelectContact(mock, rosterRow("bob@localhost", false, false, false, false, false))
	expectSave(mock)

	item, err := h.OutboundSubscribed("alice", contact)
	require.NoError(t, err)
	require.True(t, item.Preapproved)
	require.False(t, item.SubscribedFrom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterInboundSubscribeConsumesPreapproval(t *testing.T) {
	h, mock := NewMock()
	contact, _ := jid.NewWithString("alice@localhost", false)

	expectSelectContact(mock, rosterRow("alice@localhost", false, false, true, false, false))
	expectSave(mock)

	item, autoAccepted, err := h.InboundSubscribe("bob", contact, "<presence type=\"subscribe\"/>")
	require.NoError(t, err)
	require.True(t, autoAccepted)
	require.True(t, item.SubscribedFrom)
	require.False(t, item.Preapproved)
	require.False(t, item.PendingIn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterInboundSubscribeRepeatIsNoop(t *testing.T) {
	h, mock := NewMock()
	contact, _ := jid.NewWithString("alice@localhost", false)

	expectSelectContact(mock, rosterRow("alice@localhost", true, false, false, false, false))
	expectSave(mock)

	item, autoAccepted, err := h.InboundSubscribe("bob", contact, "<presence type=\"subscribe\"/>")
	require.NoError(t, err)
	require.False(t, autoAccepted)
	require.True(t, item.SubscribedFrom)
	require.False(t, item.PendingIn)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterOutboundUnsubscribedDropsEmptyRow(t *testing.T) {
	h, mock := NewMock()
	contact, _ := jid.NewWithString("bob@localhost", false)

	// row only held a from-subscription and is not in_roster; clearing
	// it leaves nothing to retain, so the row itself is deleted.
	rows := sqlmock.NewRows(rosterColumns).
		AddRow("bob@localhost", false, "", "", true, false, false, false, false, "", "")
	expectSelectContact(mock, rows)
	expectDelete(mock)

	item, err := h.OutboundUnsubscribed("alice", contact)
	require.NoError(t, err)
	require.False(t, item.SubscribedFrom)
	require.NoError(t, mock.ExpectationsWereMet())
}

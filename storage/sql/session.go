/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sql

import (
	dbsql "database/sql"
	"strings"

	"github.com/Masterminds/squirrel"

	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/jid"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
	"github.com/xmppcore/xmppd/xmpp/parser"
)

// ServerID identifies this process instance in the `server_id` column,
// letting Purge drop stale rows left behind by a prior crash (spec
// §4.E "On startup, the session-hook implementation MAY purge records
// whose server_id matches the current process").
func (h *Hooks) Purge(serverID string) error {
	_, err := h.builder.Delete("sessions").Where(squirrelEq("server_id", serverID)).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

// Bind enforces uniqueness on (user, resource): the insert's primary
// key collision is the conflict signal, not a prior SELECT, to avoid a
// check-then-act race between concurrent binds of the same resource.
func (h *Hooks) sessionBind(user, resource, serverID string) (bool, error) {
	unlock := h.lockKey("session\x00" + user + "\x00" + resource)
	defer unlock()

	var count int
	err := h.builder.Select("COUNT(*)").From("sessions").
		Where(squirrelEq("username", user)).
		Where(squirrelEq("resource", resource)).QueryRow().Scan(&count)
	if err != nil {
		return false, errSQLStorage
	}
	if count > 0 {
		return false, nil
	}
	_, err = h.builder.Insert("sessions").
		Columns("username", "resource", "priority", "server_id").
		Values(user, resource, 0, serverID).Exec()
	if err != nil {
		return false, errSQLStorage
	}
	return true, nil
}

// SessionBind is the SessionHook.Bind entry point; it derives
// (user, resource, server_id) from stm and delegates to sessionBind.
func (h *Hooks) SessionBind(stm router.C2S, serverID string) (bool, error) {
	return h.sessionBind(stm.Username(), stm.Resource(), serverID)
}

func (h *Hooks) SessionUnbind(stm router.C2S) error {
	_, err := h.builder.Delete("sessions").
		Where(squirrelEq("username", stm.Username())).
		Where(squirrelEq("resource", stm.Resource())).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

func (h *Hooks) SetPresence(user, resource string, priority int8, stanza *xmpp.Presence) error {
	var raw string
	if stanza != nil {
		raw = stanza.String()
	}
	_, err := h.builder.Update("sessions").
		Set("priority", priority).
		Set("presence_stanza", raw).
		Where(squirrelEq("username", user)).
		Where(squirrelEq("resource", resource)).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

func (h *Hooks) GetPresence(j *jid.JID) (*xmpp.Presence, error) {
	var raw string
	err := h.builder.Select("presence_stanza").From("sessions").
		Where(squirrelEq("username", j.Node())).
		Where(squirrelEq("resource", j.Resource())).QueryRow().Scan(&raw)
	if err == dbsql.ErrNoRows || raw == "" {
		return nil, nil
	}
	if err != nil {
		return nil, errSQLStorage
	}
	return parsePresenceStanza(raw)
}

func (h *Hooks) GetAllPresences(user string) ([]*xmpp.Presence, error) {
	rows, err := h.builder.Select("presence_stanza").From("sessions").
		Where(squirrelEq("username", user)).Query()
	if err != nil {
		return nil, errSQLStorage
	}
	defer rows.Close()

	var presences []*xmpp.Presence
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errSQLStorage
		}
		if raw == "" {
			continue
		}
		p, err := parsePresenceStanza(raw)
		if err != nil {
			continue
		}
		presences = append(presences, p)
	}
	return presences, nil
}

// GetAllRosterPresences is the SQL-backed fast path named in spec §4.G:
// a single query across every user in users, instead of one IPC probe
// per contact.
func (h *Hooks) GetAllRosterPresences(users []string) ([]*xmpp.Presence, bool, error) {
	if len(users) == 0 {
		return nil, true, nil
	}
	q := h.builder.Select("presence_stanza").From("sessions").Where(squirrel.Eq{"username": users})
	rows, err := q.Query()
	if err != nil {
		return nil, true, errSQLStorage
	}
	defer rows.Close()

	var presences []*xmpp.Presence
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, true, errSQLStorage
		}
		if raw == "" {
			continue
		}
		p, err := parsePresenceStanza(raw)
		if err != nil {
			continue
		}
		presences = append(presences, p)
	}
	return presences, true, nil
}

func (h *Hooks) GetResource(j *jid.JID) (*hook.ResourceRecord, error) {
	var priority int
	var serverID string
	err := h.builder.Select("priority", "server_id").From("sessions").
		Where(squirrelEq("username", j.Node())).
		Where(squirrelEq("resource", j.Resource())).QueryRow().Scan(&priority, &serverID)
	if err == dbsql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errSQLStorage
	}
	return &hook.ResourceRecord{
		User:     j.Node(),
		Resource: j.Resource(),
		Priority: int8(priority),
		ServerID: serverID,
	}, nil
}

func (h *Hooks) GetAllResources(user string) ([]*hook.ResourceRecord, error) {
	rows, err := h.builder.Select("resource", "priority", "server_id").From("sessions").
		Where(squirrelEq("username", user)).Query()
	if err != nil {
		return nil, errSQLStorage
	}
	defer rows.Close()

	var records []*hook.ResourceRecord
	for rows.Next() {
		var resource, serverID string
		var priority int
		if err := rows.Scan(&resource, &priority, &serverID); err != nil {
			return nil, errSQLStorage
		}
		records = append(records, &hook.ResourceRecord{
			User: user, Resource: resource, Priority: int8(priority), ServerID: serverID,
		})
	}
	return records, nil
}

func (h *Hooks) GetPreferredResource(user string) (string, error) {
	var resource string
	err := h.builder.Select("resource").From("sessions").
		Where(squirrelEq("username", user)).
		OrderBy("priority DESC").Limit(1).QueryRow().Scan(&resource)
	if err == dbsql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errSQLStorage
	}
	return resource, nil
}

func (h *Hooks) KillResource(j *jid.JID) error {
	_, err := h.builder.Delete("sessions").
		Where(squirrelEq("username", j.Node())).
		Where(squirrelEq("resource", j.Resource())).Exec()
	if err != nil {
		return errSQLStorage
	}
	return nil
}

func parsePresenceStanza(raw string) (*xmpp.Presence, error) {
	p := parser.NewFragment(strings.NewReader(raw), 0)
	elem, err := p.ParseElement()
	if err != nil {
		return nil, err
	}
	return xmpp.NewPresenceFromElement(elem, nil, nil)
}

/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package sql

import "github.com/xmppcore/xmppd/router"

// SessionHooks adapts Hooks to hook.SessionHook, pairing the shared SQL
// session/presence queries with this process's server_id so Bind can
// report it and a future startup Purge can use it (spec §4.E).
type SessionHooks struct {
	*Hooks
	ServerID string
}

// NewSessionHooks wraps hooks with serverID, identifying this process
// instance in every row it binds.
func NewSessionHooks(hooks *Hooks, serverID string) *SessionHooks {
	return &SessionHooks{Hooks: hooks, ServerID: serverID}
}

// Bind satisfies hook.SessionHook, shadowing the embedded *Hooks method
// set (which has no Bind/Unbind of its own besides AuthHook's
// no-return-value pair) with the (ok, serverID, err) shape the session
// registry needs.
func (s *SessionHooks) Bind(stm router.C2S) (bool, string, error) {
	ok, err := s.sessionBind(stm.Username(), stm.Resource(), s.ServerID)
	return ok, s.ServerID, err
}

// Unbind removes the (user, resource) session row.
func (s *SessionHooks) Unbind(stm router.C2S) error {
	return s.SessionUnbind(stm)
}

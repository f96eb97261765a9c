/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package xep0077 implements in-band registration: account creation,
// password change, and account cancellation driven by jabber:iq:register
// IQs, gated entirely by the deployment's registration policy.
package xep0077

import (
	"github.com/xmppcore/xmppd/config"
	"github.com/xmppcore/xmppd/hook"
	"github.com/xmppcore/xmppd/router"
	"github.com/xmppcore/xmppd/xmpp"
	"github.com/xmppcore/xmppd/xmpp/streamerror"
)

const registerNamespace = "jabber:iq:register"

// Register is the per-stream in-band registration handler.
type Register struct {
	stm      router.C2S
	authHook hook.AuthHook
	cfg      *config.RegistrationConfig
}

// New constructs the registration handler for stm.
func New(stm router.C2S, authHook hook.AuthHook, cfg *config.RegistrationConfig) *Register {
	return &Register{stm: stm, authHook: authHook, cfg: cfg}
}

// MatchesIQ reports whether iq carries a jabber:iq:register query.
func (r *Register) MatchesIQ(iq *xmpp.IQ) bool {
	q := iq.Elements().Child("query")
	return q != nil && q.Namespace() == registerNamespace
}

// ProcessIQ answers a registration get (field probe) or set (create,
// change password, or cancel, distinguished by which child elements the
// query carries).
func (r *Register) ProcessIQ(iq *xmpp.IQ) {
	q := iq.Elements().Child("query")
	switch {
	case iq.IsGet():
		r.sendFields(iq)
	case iq.IsSet():
		r.processSet(iq, q)
	default:
		r.stm.SendElement(iq.BadRequestError())
	}
}

func (r *Register) sendFields(iq *xmpp.IQ) {
	result := iq.ResultIQ()
	query := xmpp.NewElementNamespace("query", registerNamespace)
	if r.stm.IsAuthenticated() {
		query.AppendElement(xmpp.NewElementName("registered"))
		username := xmpp.NewElementName("username")
		username.SetText(r.stm.Username())
		query.AppendElement(username)
	}
	query.AppendElement(xmpp.NewElementName("username"))
	query.AppendElement(xmpp.NewElementName("password"))
	result.AppendElement(query)
	r.stm.SendElement(result)
}

func (r *Register) processSet(iq *xmpp.IQ, q xmpp.XElement) {
	if q.Elements().Child("remove") != nil {
		r.processCancel(iq)
		return
	}
	username := q.Elements().Child("username")
	password := q.Elements().Child("password")
	if username == nil || password == nil || len(username.Text()) == 0 {
		r.stm.SendElement(iq.BadRequestError())
		return
	}
	if r.stm.IsAuthenticated() {
		r.processChangePassword(iq, password.Text())
		return
	}
	r.processCreate(iq, username.Text(), password.Text())
}

func (r *Register) processCreate(iq *xmpp.IQ, username, password string) {
	if !r.cfg.AllowRegistration {
		r.stm.SendElement(iq.NotAllowedError())
		return
	}
	if err := r.authHook.CreateUser(username, password); err != nil {
		r.stm.SendElement(iq.ConflictError())
		return
	}
	r.stm.SendElement(iq.ResultIQ())
}

func (r *Register) processChangePassword(iq *xmpp.IQ, password string) {
	if !r.cfg.AllowChange {
		r.stm.SendElement(iq.NotAllowedError())
		return
	}
	if err := r.authHook.ChangePassword(r.stm.Username(), password); err != nil {
		r.stm.SendElement(iq.InternalServerError())
		return
	}
	r.stm.SendElement(iq.ResultIQ())
}

func (r *Register) processCancel(iq *xmpp.IQ) {
	if !r.cfg.AllowCancel || !r.stm.IsAuthenticated() {
		r.stm.SendElement(iq.NotAllowedError())
		return
	}
	if err := r.authHook.DeleteUser(r.stm.Username()); err != nil {
		r.stm.SendElement(iq.InternalServerError())
		return
	}
	r.stm.SendElement(iq.ResultIQ())
	// the account is gone; the stream may not continue.
	r.stm.Disconnect(streamerror.ErrNotAuthorized)
}

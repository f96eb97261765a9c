/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package jid implements the XMPP address value type: user@domain/resource.
package jid

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// MatchingOptions represents a matching jid mask.
type MatchingOptions int8

const (
	// MatchesNode indicates that left and right operand has same node value.
	MatchesNode = MatchingOptions(1)

	// MatchesDomain indicates that left and right operand has same domain value.
	MatchesDomain = MatchingOptions(2)

	// MatchesResource indicates that left and right operand has same resource value.
	MatchesResource = MatchingOptions(4)

	// MatchesBare indicates that left and right operand has same node and domain value.
	MatchesBare = MatchesNode | MatchesDomain
)

// JID represents an XMPP address (node@domain/resource).
//
// A JID is made up of a node (generally a username), a domain, and a
// resource. The node and resource are optional; domain is not.
type JID struct {
	node     string
	domain   string
	resource string
}

// New constructs a JID from its components, optionally skipping
// normalization for cases where the caller already knows the value is
// canonical (e.g. reconstructing from storage).
func New(node, domain, resource string, skipNormalization bool) (*JID, error) {
	if !skipNormalization {
		var err error
		node, err = normalizeNode(node)
		if err != nil {
			return nil, err
		}
		domain, err = normalizeDomain(domain)
		if err != nil {
			return nil, err
		}
	}
	return &JID{node: node, domain: domain, resource: resource}, nil
}

// NewWithString constructs a JID from a "node@domain/resource" string.
func NewWithString(str string, skipNormalization bool) (*JID, error) {
	if len(str) == 0 {
		return &JID{}, nil
	}
	var node, domain, resource string

	atIndex := strings.IndexRune(str, '@')
	slashIndex := strings.IndexRune(str, '/')

	// resource
	if slashIndex != -1 {
		resource = str[slashIndex+1:]
		str = str[:slashIndex]
	}
	// node and domain
	if atIndex != -1 {
		node = str[:atIndex]
		domain = str[atIndex+1:]
	} else {
		domain = str
	}
	if len(domain) == 0 {
		return nil, fmt.Errorf("jid: empty domain in %q", str)
	}
	return New(node, domain, resource, skipNormalization)
}

// Node returns the node, or empty string, of the JID.
func (j *JID) Node() string { return j.node }

// Domain returns the domain of the JID.
func (j *JID) Domain() string { return j.domain }

// Resource returns the resource, or empty string, of the JID.
func (j *JID) Resource() string { return j.resource }

// ToBareJID returns the JID equivalent of the bare JID, which is the JID with
// the resource identifier removed.
func (j *JID) ToBareJID() *JID {
	if len(j.resource) == 0 {
		return j
	}
	return &JID{node: j.node, domain: j.domain}
}

// ToFullJID returns the JID equivalent of the full JID, same as the
// original JID.
func (j *JID) ToFullJID() *JID { return j }

// IsServer returns true if the JID is a server JID (no node).
func (j *JID) IsServer() bool { return len(j.node) == 0 }

// IsBare returns true if the JID has no resource.
func (j *JID) IsBare() bool { return len(j.resource) == 0 }

// IsFull returns true if the JID has a resource.
func (j *JID) IsFull() bool { return !j.IsBare() }

// IsFullWithUser returns true if this is a full JID with a non-empty node.
func (j *JID) IsFullWithUser() bool { return j.IsFull() && !j.IsServer() }

// String returns a string representation of the JID.
func (j *JID) String() string {
	var sb strings.Builder
	if len(j.node) > 0 {
		sb.WriteString(j.node)
		sb.WriteString("@")
	}
	sb.WriteString(j.domain)
	if len(j.resource) > 0 {
		sb.WriteString("/")
		sb.WriteString(j.resource)
	}
	return sb.String()
}

// Matches tells whether or not two JIDs are equivalent based upon the
// provided matching options.
func (j *JID) Matches(j2 *JID, options MatchingOptions) bool {
	if (options&MatchesNode) > 0 && j.node != j2.node {
		return false
	}
	if (options&MatchesDomain) > 0 && j.domain != j2.domain {
		return false
	}
	if (options&MatchesResource) > 0 && j.resource != j2.resource {
		return false
	}
	return true
}

// IsLocal returns whether the JID's domain equals the server domain.
func (j *JID) IsLocal(serverDomain string) bool {
	return j.domain == serverDomain
}

func normalizeNode(node string) (string, error) {
	if len(node) == 0 {
		return "", nil
	}
	// case-fold and apply PRECIS UsernameCaseMapped-equivalent profile.
	n, err := precis.UsernameCaseMapped.String(node)
	if err != nil {
		return strings.ToLower(node), nil
	}
	return n, nil
}

func normalizeDomain(domain string) (string, error) {
	if len(domain) == 0 {
		return "", fmt.Errorf("jid: empty domain")
	}
	lower := strings.ToLower(domain)
	// only run the IDNA profile on domains that actually need it; ASCII
	// server/test domains (localhost, jackal.im) pass straight through.
	for _, r := range lower {
		if r > 0x7f {
			out, err := idna.ToUnicode(lower)
			if err != nil {
				return lower, nil
			}
			return out, nil
		}
	}
	return lower, nil
}

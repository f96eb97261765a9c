package jid

import "testing"

func TestNewWithString(t *testing.T) {
	j, err := NewWithString("ortuman@jackal.im/balcony", false)
	if err != nil {
		t.Fatal(err)
	}
	if j.Node() != "ortuman" || j.Domain() != "jackal.im" || j.Resource() != "balcony" {
		t.Fatalf("unexpected jid: %+v", j)
	}
	if j.String() != "ortuman@jackal.im/balcony" {
		t.Fatalf("unexpected string: %s", j.String())
	}
}

func TestBareJID(t *testing.T) {
	j, _ := NewWithString("ortuman@jackal.im/balcony", false)
	bare := j.ToBareJID()
	if bare.String() != "ortuman@jackal.im" {
		t.Fatalf("unexpected bare jid: %s", bare.String())
	}
}

func TestCaseFolding(t *testing.T) {
	j1, _ := NewWithString("Ortuman@Jackal.IM", false)
	j2, _ := NewWithString("ortuman@jackal.im", false)
	if !j1.Matches(j2, MatchesBare) {
		t.Fatalf("expected case-folded match")
	}
}

func TestResourceByteExact(t *testing.T) {
	j1, _ := NewWithString("ortuman@jackal.im/Balcony", false)
	j2, _ := NewWithString("ortuman@jackal.im/balcony", false)
	if j1.Matches(j2, MatchesResource) {
		t.Fatalf("resource comparison must be byte-exact")
	}
}

func TestEmptyDomainError(t *testing.T) {
	if _, err := NewWithString("ortuman@", false); err == nil {
		t.Fatalf("expected error for empty domain")
	}
}

func TestIsLocal(t *testing.T) {
	j, _ := NewWithString("ortuman@jackal.im", false)
	if !j.IsLocal("jackal.im") {
		t.Fatalf("expected local domain match")
	}
	if j.IsLocal("other.im") {
		t.Fatalf("expected non-local domain mismatch")
	}
}

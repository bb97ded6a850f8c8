package dbusnotify

import "testing"

func TestEscapeHexEncodesNonAlnum(t *testing.T) {
	got := escape("a.service")
	if got != "a_2eservice" {
		t.Fatalf("expected a_2eservice, got %q", got)
	}
}

func TestEscapeLeavesAlnumAlone(t *testing.T) {
	got := escape("abcXYZ019")
	if got != "abcXYZ019" {
		t.Fatalf("expected no escaping, got %q", got)
	}
}

func TestNilConnEmitterIsNoOp(t *testing.T) {
	e := &Emitter{}
	if err := e.PropertiesChanged("a.service", []string{"ActiveState"}); err != nil {
		t.Fatalf("expected no-op emitter to succeed, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("expected no-op close to succeed, got %v", err)
	}
}

package unitname

import "testing"

func TestParseBasic(t *testing.T) {
	n, err := Parse("var.mount", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Prefix != "var" || n.Suffix != "mount" || n.HasAt {
		t.Fatalf("unexpected parse result: %+v", n)
	}
}

func TestParseTemplateRejectedWithoutFlag(t *testing.T) {
	if _, err := Parse("getty@.service", false); err == nil {
		t.Fatal("expected error for template name when templateOK=false")
	}
	if _, err := Parse("getty@.service", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsTemplate(t *testing.T) {
	if !IsTemplate("getty@.service") {
		t.Fatal("expected getty@.service to be a template")
	}
	if IsTemplate("getty@tty1.service") {
		t.Fatal("did not expect getty@tty1.service to be a template")
	}
	if IsTemplate("var.mount") {
		t.Fatal("did not expect var.mount to be a template")
	}
}

func TestReplaceInstance(t *testing.T) {
	got, err := ReplaceInstance("getty@.service", "tty1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "getty@tty1.service" {
		t.Fatalf("got %q", got)
	}
}

func TestTemplate(t *testing.T) {
	got, err := Template("getty@tty1.service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "getty@.service" {
		t.Fatalf("got %q", got)
	}
}

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	paths := []string{"/", "/var", "/var/lib/foo", "/srv/my data", "/dev/sda1"}
	for _, p := range paths {
		escaped := Escape(p)
		got := Unescape(escaped)
		if got != p {
			t.Fatalf("round trip failed for %q: escaped=%q unescaped=%q", p, escaped, got)
		}
	}
}

func TestToPathFromPath(t *testing.T) {
	name, err := ToPath("/var", "mount")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "var.mount" {
		t.Fatalf("got %q", name)
	}
	path, err := FromPath(name)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/var" {
		t.Fatalf("got %q", path)
	}
}

func TestChangeSuffix(t *testing.T) {
	got, err := ChangeSuffix("var.mount", "automount")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "var.automount" {
		t.Fatalf("got %q", got)
	}
}

func TestParseRejectsMissingSuffix(t *testing.T) {
	if _, err := Parse("novalidsuffix", true); err == nil {
		t.Fatal("expected error")
	}
}

package target_test

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"sshmux/internal/target"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want target.Target
	}{
		{"example.com", target.Target{Host: "example.com"}},
		{"alice@example.com", target.Target{Host: "example.com", User: "alice"}},
		{"ssh://test-user@127.0.0.1:2222", target.Target{Host: "127.0.0.1", User: "test-user", Port: 2222}},
		{"ssh://test-user@opensshtest:2222", target.Target{Host: "opensshtest", User: "test-user", Port: 2222}},
		{"ssh://opensshtest", target.Target{Host: "opensshtest"}},
		{"ssh://[::1]:2200", target.Target{Host: "::1", Port: 2200}},
		{"ssh://host:notaport", target.Target{Host: "host:notaport"}},
	}
	for _, tt := range tests {
		got, err := target.Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "@host", "ssh://", "-oProxyCommand=x", "bad host"} {
		if _, err := target.Parse(in); !errors.Is(err, target.ErrInvalidDestination) {
			t.Fatalf("Parse(%q) error = %v, want ErrInvalidDestination", in, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, in := range []string{"example.com", "bob@example.com", "ssh://bob@example.com:2222", "ssh://[::1]:2200"} {
		parsed, err := target.Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if parsed.String() != in {
			t.Fatalf("String() = %q, want %q", parsed.String(), in)
		}
	}
}

func TestControlPathTokens(t *testing.T) {
	env := target.Env{LocalUser: "me", Hostname: "laptop"}
	tgt := target.Target{Host: "db", User: "root", Port: 2222}

	got, err := target.ControlPath("%r@%h:%p-%u-%l-%%", "/run/mux", tgt, env)
	if err != nil {
		t.Fatalf("ControlPath: %v", err)
	}
	if want := "/run/mux/root@db:2222-me-laptop-%"; got != want {
		t.Fatalf("ControlPath = %q, want %q", got, want)
	}

	got, err = target.ControlPath("/abs/%h", "/ignored", target.Target{Host: "db"}, env)
	if err != nil {
		t.Fatalf("ControlPath: %v", err)
	}
	if got != "/abs/db" {
		t.Fatalf("absolute template = %q", got)
	}
}

func TestControlPathHashDistinguishesTargets(t *testing.T) {
	env := target.Env{LocalUser: "me", Hostname: "laptop"}
	a, err := target.ControlPath("%C", "/d", target.Target{Host: "db"}, env)
	if err != nil {
		t.Fatalf("ControlPath: %v", err)
	}
	b, err := target.ControlPath("%C", "/d", target.Target{Host: "db", User: "me", Port: 22}, env)
	if err != nil {
		t.Fatalf("ControlPath: %v", err)
	}
	c, err := target.ControlPath("%C", "/d", target.Target{Host: "db", Port: 2222}, env)
	if err != nil {
		t.Fatalf("ControlPath: %v", err)
	}
	if a != b {
		t.Fatalf("defaulted user and port should hash equally: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("different ports share a control path %q", a)
	}
	if len(filepath.Base(a)) != 40 {
		t.Fatalf("hash token length = %d, want 40", len(filepath.Base(a)))
	}
}

func TestControlPathErrors(t *testing.T) {
	env := target.Env{LocalUser: "me"}
	if _, err := target.ControlPath("%x", "/d", target.Target{Host: "h"}, env); err == nil {
		t.Fatal("expected unknown token error")
	}
	if _, err := target.ControlPath("trailing%", "/d", target.Target{Host: "h"}, env); err == nil {
		t.Fatal("expected dangling percent error")
	}
	long := "/" + strings.Repeat("x", target.MaxSocketPath)
	if _, err := target.ControlPath("%h", long, target.Target{Host: "h"}, env); !errors.Is(err, target.ErrPathTooLong) {
		t.Fatalf("error = %v, want ErrPathTooLong", err)
	}
}

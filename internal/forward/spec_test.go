package forward

import (
	"errors"
	"testing"

	"sshmux/internal/mux/wire"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{"L:8080:localhost:80", Local(TCP("", 8080), TCP("localhost", 80))},
		{"L:127.0.0.1:8080:db:5432", Local(TCP("127.0.0.1", 8080), TCP("db", 5432))},
		{"R:0:localhost:22", Remote(TCP("", 0), TCP("localhost", 22))},
		{"D:1080", Dynamic(TCP("", 1080))},
		{"D:0.0.0.0:1080", Dynamic(TCP("0.0.0.0", 1080))},
		{"L:/tmp/l.sock:/run/r.sock", Local(Unix("/tmp/l.sock"), Unix("/run/r.sock"))},
		{"L:9000:/run/docker.sock", Local(TCP("", 9000), Unix("/run/docker.sock"))},
		{"R:/tmp/agent.sock:localhost:22", Remote(Unix("/tmp/agent.sock"), TCP("localhost", 22))},
		{"L:[::1]:8080:[fe80::1]:80", Local(TCP("::1", 8080), TCP("fe80::1", 80))},
		{"l:8080:localhost:80", Local(TCP("", 8080), TCP("localhost", 80))},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.in)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSpec(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		again, err := ParseSpec(got.String())
		if err != nil || again != got {
			t.Fatalf("ParseSpec(%q) = %+v, %v; want %+v", got.String(), again, err, got)
		}
	}
}

func TestParseSpecRejects(t *testing.T) {
	for _, in := range []string{
		"", "8080:localhost:80", "X:1:h:2", "L:8080", "L:a:b:c:d:e",
		"L:8080:localhost:http", "D:", "D:1:2:3", "L:[::1:80:h:1", "L:0:localhost:80",
	} {
		if _, err := ParseSpec(in); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("ParseSpec(%q) error = %v, want ErrInvalidSpec", in, err)
		}
	}
}

func TestSpecIsComparableKey(t *testing.T) {
	a := Local(TCP("", 8080), TCP("localhost", 80))
	b := Local(TCP("", 8080), TCP("localhost", 80))
	seen := map[Spec]bool{a: true}
	if !seen[b] {
		t.Fatal("identical specs should share a key")
	}
	if seen[Remote(TCP("", 8080), TCP("localhost", 80))] {
		t.Fatal("direction must be part of the key")
	}
	if Dynamic(TCP("", 1)).Connect != (wire.Endpoint{}) {
		t.Fatal("dynamic forward has no connect side")
	}
}

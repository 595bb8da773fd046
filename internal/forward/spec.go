package forward

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"sshmux/internal/mux/wire"
)

// ErrInvalidSpec reports a forward description that cannot be sent.
var ErrInvalidSpec = errors.New("invalid forward spec")

// Spec identifies a forward. It is comparable and used as the dedup key.
type Spec struct {
	Direction wire.ForwardType
	Listen    wire.Endpoint
	Connect   wire.Endpoint
}

// TCP returns a host and port endpoint. An empty host lets ssh pick its
// default bind address.
func TCP(host string, port uint16) wire.Endpoint { return wire.TCPEndpoint(host, port) }

// Unix returns a unix socket endpoint.
func Unix(path string) wire.Endpoint { return wire.UnixEndpoint(path) }

// Local forwards connections to listen on this host to connect on the remote side.
func Local(listen, connect wire.Endpoint) Spec {
	return Spec{Direction: wire.ForwardLocal, Listen: listen, Connect: connect}
}

// Remote forwards connections to listen on the remote host to connect here.
// A listen port of 0 asks the server to pick one.
func Remote(listen, connect wire.Endpoint) Spec {
	return Spec{Direction: wire.ForwardRemote, Listen: listen, Connect: connect}
}

// Dynamic runs a SOCKS proxy on listen.
func Dynamic(listen wire.Endpoint) Spec {
	return Spec{Direction: wire.ForwardDynamic, Listen: listen}
}

// Validate checks the spec before it is sent to the master.
func (s Spec) Validate() error {
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: direction %s", ErrInvalidSpec, s.Direction)
	}
	if s.Listen.IsUnix() && s.Listen.Host == "" {
		return fmt.Errorf("%w: empty listen path", ErrInvalidSpec)
	}
	if s.Direction == wire.ForwardDynamic {
		if s.Connect != (wire.Endpoint{}) {
			return fmt.Errorf("%w: dynamic forward has a connect endpoint", ErrInvalidSpec)
		}
		return nil
	}
	if s.Connect.Host == "" {
		return fmt.Errorf("%w: empty connect host", ErrInvalidSpec)
	}
	if !s.Connect.IsUnix() && s.Connect.Port == 0 {
		return fmt.Errorf("%w: connect port 0", ErrInvalidSpec)
	}
	if s.Direction == wire.ForwardLocal && !s.Listen.IsUnix() && s.Listen.Port == 0 {
		return fmt.Errorf("%w: local listen port 0", ErrInvalidSpec)
	}
	return nil
}

// String renders the spec in the form ParseSpec accepts.
func (s Spec) String() string {
	var prefix string
	switch s.Direction {
	case wire.ForwardLocal:
		prefix = "L"
	case wire.ForwardRemote:
		prefix = "R"
	case wire.ForwardDynamic:
		return "D:" + endpointString(s.Listen)
	default:
		prefix = s.Direction.String()
	}
	return prefix + ":" + endpointString(s.Listen) + ":" + endpointString(s.Connect)
}

func endpointString(e wire.Endpoint) string {
	if e.IsUnix() {
		return e.Host
	}
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// ParseSpec reads ssh-style forward descriptions:
//
//	L:[bind:]port:host:hostport   R:[bind:]port:host:hostport   D:[bind:]port
//
// Any endpoint may instead be a unix socket path (a token containing '/').
// IPv6 hosts are written in brackets.
func ParseSpec(text string) (Spec, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(text), ":")
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q has no direction prefix", ErrInvalidSpec, text)
	}
	parts, err := splitTokens(rest)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, text, err)
	}

	var spec Spec
	switch strings.ToUpper(kind) {
	case "L":
		spec.Direction = wire.ForwardLocal
	case "R":
		spec.Direction = wire.ForwardRemote
	case "D":
		spec.Direction = wire.ForwardDynamic
		listen, n, err := takeEndpoint(parts, len(parts))
		if err != nil || n != len(parts) {
			return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, text)
		}
		spec.Listen = listen
		return spec, spec.Validate()
	default:
		return Spec{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidSpec, kind)
	}

	// The connect side is at most two tokens, so whatever precedes it is
	// the listen side.
	connectTokens := 2
	if len(parts) > 0 && isPath(parts[len(parts)-1]) {
		connectTokens = 1
	}
	listenTokens := len(parts) - connectTokens
	if listenTokens < 1 || listenTokens > 2 {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, text)
	}
	listen, _, err := takeEndpoint(parts[:listenTokens], listenTokens)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, text, err)
	}
	connect, _, err := takeEndpoint(parts[listenTokens:], connectTokens)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, text, err)
	}
	spec.Listen = listen
	spec.Connect = connect
	return spec, spec.Validate()
}

// takeEndpoint reads one endpoint from exactly n tokens: a path or bare
// port (n == 1) or a host and port (n == 2).
func takeEndpoint(tokens []string, n int) (wire.Endpoint, int, error) {
	switch n {
	case 1:
		if isPath(tokens[0]) {
			return wire.UnixEndpoint(tokens[0]), 1, nil
		}
		port, err := parsePort(tokens[0])
		if err != nil {
			return wire.Endpoint{}, 0, err
		}
		return wire.TCPEndpoint("", port), 1, nil
	case 2:
		port, err := parsePort(tokens[1])
		if err != nil {
			return wire.Endpoint{}, 0, err
		}
		return wire.TCPEndpoint(tokens[0], port), 2, nil
	default:
		return wire.Endpoint{}, 0, fmt.Errorf("expected 1 or 2 tokens, got %d", n)
	}
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return uint16(port), nil
}

func isPath(token string) bool { return strings.Contains(token, "/") }

// splitTokens splits on ':' outside brackets and strips the brackets.
func splitTokens(s string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		depth  int
	)
	for _, r := range s {
		switch {
		case r == '[':
			depth++
			if depth > 1 {
				return nil, errors.New("nested brackets")
			}
		case r == ']':
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced brackets")
			}
		case r == ':' && depth == 0:
			tokens = append(tokens, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, errors.New("unbalanced brackets")
	}
	return append(tokens, cur.String()), nil
}

package target

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPort is used for %p when a destination names no port.
const DefaultPort = 22

// MaxSocketPath is the longest control socket path accepted. sun_path holds
// 104 bytes on the BSDs and 108 on Linux, both including the terminator.
const MaxSocketPath = 103

var (
	// ErrInvalidDestination reports a destination that cannot be handed to ssh.
	ErrInvalidDestination = errors.New("invalid destination")
	// ErrPathTooLong reports a control path that does not fit in sun_path.
	ErrPathTooLong = errors.New("control path too long")
)

// Target identifies one remote endpoint. Two targets with equal fields share
// a control socket.
type Target struct {
	Host string
	User string
	Port uint16
}

// Parse accepts "host", "user@host", or "ssh://[user@]host[:port]".
func Parse(dest string) (Target, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidDestination)
	}

	var t Target
	rest, isURL := strings.CutPrefix(dest, "ssh://")
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		t.User = rest[:at]
		rest = rest[at+1:]
		if t.User == "" {
			return Target{}, fmt.Errorf("%w: empty user in %q", ErrInvalidDestination, dest)
		}
	}
	if isURL {
		rest = strings.TrimSuffix(rest, "/")
		if colon := strings.LastIndex(rest, ":"); colon >= 0 && !strings.HasSuffix(rest, "]") {
			port, err := strconv.ParseUint(rest[colon+1:], 10, 16)
			if err == nil {
				t.Port = uint16(port)
				rest = rest[:colon]
			}
		}
		rest = strings.TrimSuffix(strings.TrimPrefix(rest, "["), "]")
	}
	if rest == "" {
		return Target{}, fmt.Errorf("%w: empty host in %q", ErrInvalidDestination, dest)
	}
	if strings.HasPrefix(rest, "-") || strings.ContainsAny(rest, " \t\n/") {
		return Target{}, fmt.Errorf("%w: host %q", ErrInvalidDestination, rest)
	}
	t.Host = rest
	return t, nil
}

// String renders the target in URL form when it carries a port and as
// "[user@]host" otherwise.
func (t Target) String() string {
	if t.Port == 0 {
		if t.User != "" {
			return t.User + "@" + t.Host
		}
		return t.Host
	}
	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if t.User != "" {
		host = t.User + "@" + host
	}
	return fmt.Sprintf("ssh://%s:%d", host, t.Port)
}

// EffectivePort returns the port ssh will connect to.
func (t Target) EffectivePort() uint16 {
	if t.Port == 0 {
		return DefaultPort
	}
	return t.Port
}

// Env supplies the local identity used by %u, %r, and %l.
type Env struct {
	LocalUser string
	Hostname  string
}

// LocalEnv reads the current user and hostname.
func LocalEnv() Env {
	env := Env{}
	if u, err := user.Current(); err == nil {
		env.LocalUser = u.Username
	}
	if env.LocalUser == "" {
		env.LocalUser = os.Getenv("USER")
	}
	if h, err := os.Hostname(); err == nil {
		env.Hostname = h
	}
	return env
}

// ControlPath expands template for t. Relative results are placed under dir.
func ControlPath(template, dir string, t Target, env Env) (string, error) {
	remoteUser := t.User
	if remoteUser == "" {
		remoteUser = env.LocalUser
	}
	port := strconv.Itoa(int(t.EffectivePort()))

	var b strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(template) {
			return "", fmt.Errorf("control path template %q ends with %%", template)
		}
		switch template[i] {
		case '%':
			b.WriteByte('%')
		case 'h':
			b.WriteString(t.Host)
		case 'p':
			b.WriteString(port)
		case 'r':
			b.WriteString(remoteUser)
		case 'u':
			b.WriteString(env.LocalUser)
		case 'l':
			b.WriteString(env.Hostname)
		case 'C':
			sum := sha1.Sum([]byte(env.Hostname + t.Host + port + remoteUser))
			b.WriteString(hex.EncodeToString(sum[:]))
		default:
			return "", fmt.Errorf("control path template %q: unknown token %%%c", template, template[i])
		}
	}

	path := b.String()
	if path == "" {
		return "", fmt.Errorf("control path template %q expands to nothing", template)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if len(path) > MaxSocketPath {
		return "", fmt.Errorf("%w: %q is %d bytes, limit %d", ErrPathTooLong, path, len(path), MaxSocketPath)
	}
	return path, nil
}

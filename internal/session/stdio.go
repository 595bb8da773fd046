package session

import (
	"errors"
	"fmt"
	"os"
)

// ErrPipedStdio is returned by File for a Piped binding.
var ErrPipedStdio = errors.New("piped stdio has no standalone descriptor")

type stdioKind int

const (
	stdioNull stdioKind = iota
	stdioPiped
	stdioInherit
	stdioFile
)

// Stdio describes what one of a remote process's standard streams is bound
// to. The zero value is Null.
type Stdio struct {
	kind stdioKind
	file *os.File
}

// Null binds the stream to /dev/null.
func Null() Stdio { return Stdio{kind: stdioNull} }

// Piped creates a pipe and exposes the local end on the Session.
func Piped() Stdio { return Stdio{kind: stdioPiped} }

// Inherit binds the stream to this process's own stream.
func Inherit() Stdio { return Stdio{kind: stdioInherit} }

// FromFile binds the stream to f. The caller keeps ownership of f.
func FromFile(f *os.File) Stdio { return Stdio{kind: stdioFile, file: f} }

func (s Stdio) String() string {
	switch s.kind {
	case stdioPiped:
		return "piped"
	case stdioInherit:
		return "inherit"
	case stdioFile:
		return "file"
	default:
		return "null"
	}
}

// binding is a resolved Stdio: remote is handed to the master, local stays
// with the caller. owned reports whether remote must be closed once sent.
type binding struct {
	remote *os.File
	local  *os.File
	owned  bool
}

// resolve opens the descriptors for stream n (0 stdin, 1 stdout, 2 stderr).
func (s Stdio) resolve(n int) (binding, error) {
	switch s.kind {
	case stdioNull:
		f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return binding{}, fmt.Errorf("open %s: %w", os.DevNull, err)
		}
		return binding{remote: f, owned: true}, nil
	case stdioPiped:
		r, w, err := os.Pipe()
		if err != nil {
			return binding{}, fmt.Errorf("pipe: %w", err)
		}
		if n == 0 {
			return binding{remote: r, local: w, owned: true}, nil
		}
		return binding{remote: w, local: r, owned: true}, nil
	case stdioInherit:
		return binding{remote: []*os.File{os.Stdin, os.Stdout, os.Stderr}[n]}, nil
	case stdioFile:
		if s.file == nil {
			return binding{}, fmt.Errorf("stdio %d: nil file", n)
		}
		return binding{remote: s.file}, nil
	default:
		return binding{}, fmt.Errorf("stdio %d: unknown binding", n)
	}
}

func (b binding) closeRemote() {
	if b.owned && b.remote != nil {
		b.remote.Close()
	}
}

func (b binding) closeLocal() {
	if b.local != nil {
		b.local.Close()
	}
}

// File returns the descriptor a local subprocess should get for stream n
// (0 stdin, 1 stdout, 2 stderr) and a func releasing it. Piped bindings
// need a Session to own the local end and return ErrPipedStdio.
func (s Stdio) File(n int) (*os.File, func(), error) {
	if s.kind == stdioPiped {
		return nil, nil, ErrPipedStdio
	}
	b, err := s.resolve(n)
	if err != nil {
		return nil, nil, err
	}
	return b.remote, b.closeRemote, nil
}

package session

import (
	"strings"
)

// Command describes a remote program invocation.
type Command struct {
	// Program and Args are shell-quoted before being sent unless Raw is set,
	// in which case they are joined with spaces and evaluated by the remote
	// shell as written.
	Program string
	Args    []string
	Raw     bool

	// Env entries are "NAME=value" pairs forwarded to the master. The server
	// may drop names it does not accept.
	Env []string

	TTY  bool
	Term string
	// Subsystem treats Program as an ssh subsystem name such as "sftp".
	Subsystem bool

	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio
}

// NewCommand returns a Command that runs program with args, quoted.
func NewCommand(program string, args ...string) Command {
	return Command{Program: program, Args: args}
}

// RawCommand returns a Command whose line is passed to the remote shell
// without quoting.
func RawCommand(line string) Command {
	return Command{Program: line, Raw: true}
}

// Shell returns a Command running line with sh -c. line is quoted once so the
// remote login shell hands it to sh unchanged.
func Shell(line string) Command {
	return NewCommand("sh", "-c", line)
}

// Line renders the command string sent to the master.
func (c Command) Line() string {
	if c.Subsystem {
		return c.Program
	}
	words := make([]string, 0, len(c.Args)+1)
	if c.Raw {
		words = append(words, c.Program)
		words = append(words, c.Args...)
		return strings.Join(words, " ")
	}
	words = append(words, Quote(c.Program))
	for _, arg := range c.Args {
		words = append(words, Quote(arg))
	}
	return strings.Join(words, " ")
}

// Quote escapes s for a POSIX shell. Words made only of safe characters are
// returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isSafeShellRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("_-+=,./:@%^", r)
}

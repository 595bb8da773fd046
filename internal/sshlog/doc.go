// Package sshlog reads the diagnostics file a master's ssh client writes
// with -E. Launch failures are classified from its last lines, and the CLI
// tails it for operators.
package sshlog

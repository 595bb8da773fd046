// Package main hosts the sshmux CLI.
//
// Each command parses a destination, acquires the shared control master for
// it through the lifecycle manager, and issues one mux request: running a
// command, checking the master, opening or cancelling forwards, or asking the
// master to stop. Masters outlive the CLI process unless a command asks for
// teardown, so repeated invocations reuse one SSH connection.
package main

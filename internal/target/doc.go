// Package target parses ssh destinations and expands control socket path
// templates for them.
//
// A destination is either a bare "[user@]host" handed to ssh unchanged or an
// "ssh://[user@]host[:port]" URL, which is split into its parts because not
// every ssh release accepts the URL form. The control path template supports
// the ssh_config ControlPath tokens %h, %p, %r, %u, %l, %C, and %%.
package target

// Package preflight provides readiness checks for the local pieces sshmux
// depends on before it can launch or attach to a master.
//
// The CLI "sshmux doctor" command runs RunAll and renders each Result. The
// individual checks are exported so callers can surface a single one, such as
// CheckControlDir, next to a failure they are reporting.
package preflight

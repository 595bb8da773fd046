// Package forward opens and closes port forwards through a control master.
//
// Forwards are keyed by their Spec. Concurrent opens of one spec share a
// single OPEN_FORWARD request, and closing a forward that is unknown or
// already gone succeeds.
package forward

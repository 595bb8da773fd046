// Package master owns the background ssh control master for each target.
//
// A Manager launches or attaches to the master behind a control socket,
// hands out reference-counted Handles, and tears the master down when the
// last Handle is released. Establishment is serialized per socket path
// within the process and guarded by a lock file across processes, so each
// socket has at most one dispatcher read loop per Manager.
//
// Masters found already running are attached to and detached from but never
// terminated on release.
package master

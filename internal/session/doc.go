// Package session runs remote commands over a shared control connection.
//
// A Manager turns a Command into a NEW_SESSION request, hands the master
// descriptors for the remote process's stdin, stdout, and stderr, and returns
// a Session whose exit status arrives asynchronously. Sessions keep only a
// lookup key back to their control socket; dropping one stops local tracking
// without signalling the remote process.
package session

// Package dispatch correlates control-master responses with the requests that
// caused them.
//
// A Dispatcher owns one transport connection. It assigns request ids,
// registers a waiter before each frame is written, and runs the single read
// loop that hands every decoded response to the waiter with the matching id.
// Exit messages are routed by session id instead. When the connection fails,
// every waiter, every exit slot, and every loss listener is resolved with
// mux.ErrConnectionLost.
package dispatch

// Package unique makes sure only one process of an application runs at a
// time.
//
// Processes of the same application identity coordinate over a unix socket
// in a well-known runtime directory. The first one to start binds the socket
// and becomes the server. Every later launch attempt connects to it, forwards
// its start payload (by default, its command line arguments), waits for the
// server's acknowledgement and exits.
//
// The exchange between a client and the server is a short sequence of
// NUL-delimited JSON messages:
//
//	client -> server: ping
//	server -> client: pong
//	client -> server: notify, carrying the start payload
//	server -> client: kthxbai, carrying the acknowledgement
//	client -> server: cu
//
// A client that does not receive 'pong' within the pong timeout assumes the
// server is dead, removes its socket and becomes the server itself. A socket
// nothing listens on, e.g. one left behind by a crash, is replaced the same
// way. Role selection is serialized with an exclusive lock on a file next to
// the socket, so two instances starting at once cannot both become server.
//
// All session work happens on a single event loop (see the loop package),
// which the caller runs.
package unique

// Package proto encapsulates the messages exchanged between a running
// instance and a new launch attempt, as well as the functions for reading and
// writing them off the wire.
//
// Every message is a JSON envelope followed by a single NUL byte. JSON text
// never contains a raw NUL, so the delimiter cannot appear inside a frame.
// The transport is a stream, so frames may be split or coalesced arbitrarily
// by the time they reach a reader; a Decoder buffers incomplete data and only
// hands out complete frames.
//
// The exchange between N, a new launch attempt, and S, the running instance,
// is the following:
//
//	N sends 'ping' to S
//	S sends 'pong' to N
//	N sends 'notify' carrying its start attempt payload to S
//	S sends 'kthxbai' carrying its acknowledgement payload to N
//	N sends 'cu' to S and exits
//	S closes the connection
//
// If N does not receive 'pong' in time it assumes S is dead and takes its
// place. Any message arriving out of this order is a protocol violation that
// ends the exchange.
package proto

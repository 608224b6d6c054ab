package proto

// MessageType is the value of a message envelope's type attribute.
type MessageType string

const (
	// Ping is sent by a client right after connecting.
	Ping MessageType = "ping"
	// Pong answers a Ping and completes the handshake.
	Pong MessageType = "pong"
	// Notify carries the start attempt payload from client to server.
	Notify MessageType = "notify"
	// Kthxbai acknowledges a Notify, optionally carrying the server's answer.
	Kthxbai MessageType = "kthxbai"
	// Cu is the client's last message before it closes the connection.
	Cu MessageType = "cu"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = 0

// MaxFrameSize bounds how much of a single unterminated frame a Decoder
// will buffer.
const MaxFrameSize = 1 << 20

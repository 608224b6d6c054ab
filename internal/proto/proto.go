package proto

import "github.com/ngrok/unique/serialize"

// Message is the envelope of every frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload *serialize.Node `json:"payload,omitempty"`
}

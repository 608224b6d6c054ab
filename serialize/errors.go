package serialize

import "fmt"

// NoSuchSerializerError is returned when a Go value has a type outside the
// supported registry.
type NoSuchSerializerError struct {
	Type   string
	Reason string
}

func (e *NoSuchSerializerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no serializer for type '%s' found: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("no serializer for type '%s' found", e.Type)
}

// NoSuchUnserializerError is returned when a node carries a type tag outside
// the supported registry.
type NoSuchUnserializerError struct {
	Type string
}

func (e *NoSuchUnserializerError) Error() string {
	return fmt.Sprintf("no unserializer for type '%s' found", e.Type)
}

// MalformedNodeError is returned when a node's type tag is known but its
// contents cannot be decoded as that type.
type MalformedNodeError struct {
	Tag  string
	Type string
	Text string
	Err  error
}

func (e *MalformedNodeError) Error() string {
	msg := fmt.Sprintf("malformed %s node %q with text %q", e.Type, e.Tag, e.Text)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedNodeError) Unwrap() error { return e.Err }

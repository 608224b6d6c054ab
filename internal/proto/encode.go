package proto

import (
	"bytes"
	"io"
	"net"

	"code.hybscloud.com/iox"
	gjson "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrMalformedFrame is returned when a complete frame is not a valid
// message envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrFrameTooLarge is returned when a peer sends more than MaxFrameSize
// bytes without a delimiter.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Encode returns the wire representation of msg, delimiter included.
func Encode(msg Message) ([]byte, error) {
	data, err := gjson.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode %s message", msg.Type)
	}
	return append(data, Delimiter), nil
}

// WriteMessage writes a single framed message to dst.
func WriteMessage(dst io.Writer, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := dst.Write(frame); err != nil {
		return errors.Wrapf(err, "could not write %s message", msg.Type)
	}
	return nil
}

// Decoder splits a byte stream into messages. The zero value is ready to use.
type Decoder struct {
	buf []byte
}

// Buffered returns the number of bytes of an incomplete frame held by d.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends data to the stream and returns every message completed by
// it, in order. A trailing partial frame is kept for the next call. On error
// the messages decoded before the bad frame are still returned.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	d.buf = append(d.buf, data...)
	var msgs []Message
	for {
		i := bytes.IndexByte(d.buf, Delimiter)
		if i < 0 {
			break
		}
		frame := d.buf[:i]
		d.buf = d.buf[i+1:]
		var msg Message
		if err := gjson.Unmarshal(frame, &msg); err != nil {
			return msgs, errors.Wrapf(ErrMalformedFrame, "%v", err)
		}
		if msg.Type == "" {
			return msgs, errors.Wrap(ErrMalformedFrame, "message has no type")
		}
		msgs = append(msgs, msg)
	}
	if len(d.buf) > MaxFrameSize {
		return msgs, errors.Wrapf(ErrFrameTooLarge, "%d bytes buffered", len(d.buf))
	}
	if len(d.buf) == 0 {
		// drop the consumed backing array
		d.buf = nil
	}
	return msgs, nil
}

// ReadFrom reads from a non-blocking reader until it would block, and
// returns the messages completed by what was read. A would-block result is
// not an error. io.EOF is returned, together with any messages completed
// before it, once the peer has hung up.
func (d *Decoder) ReadFrom(r io.Reader) ([]Message, error) {
	var msgs []Message
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			got, ferr := d.Feed(chunk[:n])
			msgs = append(msgs, got...)
			if ferr != nil {
				return msgs, ferr
			}
		}
		switch {
		case err == nil:
			continue
		case IsWouldBlock(err):
			return msgs, nil
		case err == io.EOF:
			return msgs, io.EOF
		default:
			return msgs, err
		}
	}
}

// IsWouldBlock reports whether err means "no data yet" rather than a
// failure.
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if iox.IsWouldBlock(err) || errors.Is(err, iox.ErrWouldBlock) || errors.Is(err, unix.EAGAIN) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

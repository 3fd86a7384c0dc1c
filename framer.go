package netplay

import (
	"bytes"
	"strconv"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/segmentio/encoding/json"
)

// Delimiter terminates every frame on the wire.
const Delimiter byte = '\n'

// Encode serializes m as one newline-terminated JSON frame.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, newError(KindSerialization, "encode", ErrNotObject)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, wrapError(KindSerialization, "encode", err, "marshal message")
	}

	// JSON string escaping removes newlines from well-formed output; raw
	// values spliced in by the caller may not.
	if bytes.IndexByte(b, Delimiter) >= 0 {
		return nil, newError(KindSerialization, "encode", ErrNewlineInPayload)
	}

	return append(b, Delimiter), nil
}

// EncodeControl returns the frame for a liveness message.
func EncodeControl(t ControlType) []byte {
	// A single string value always marshals.
	b, _ := Encode(Message{TypeKey: string(t)})
	return b
}

// Decode parses one frame, with or without its trailing delimiter, and
// classifies it. Every failure is a KindProtocol error that affects only
// this frame.
func Decode(line []byte) (Frame, error) {
	line = bytes.TrimSuffix(line, []byte{Delimiter})

	if !utf8.Valid(line) {
		return Frame{}, newError(KindProtocol, "decode", ErrInvalidUTF8)
	}

	var m Message
	rest, err := json.Parse(line, &m, json.UseNumber)
	if err == nil && len(rest) != 0 {
		err = errors.Errorf("invalid character %q after top-level value", rest[0])
	}
	if err != nil {
		return Frame{}, wrapError(KindProtocol, "decode", err, "unmarshal frame")
	}

	// "null" unmarshals into a nil map without error.
	if m == nil {
		return Frame{}, newError(KindProtocol, "decode", ErrNotObject)
	}

	for k, v := range m {
		m[k] = convertNumbers(v)
	}
	return classify(m), nil
}

// convertNumbers replaces json.Number values in v. Integer literals become
// int64, or uint64 above the int64 range; everything else becomes float64.
func convertNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(x), 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return u
		}
		f, _ := strconv.ParseFloat(string(x), 64)
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = convertNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = convertNumbers(e)
		}
	}
	return v
}

// frameBuffer reassembles frames from arbitrarily split reads.
// Bytes are only appended and consumed across complete lines, so
// nothing is dropped or duplicated.
type frameBuffer struct {
	buf []byte
	max int // maximum frame length without delimiter, 0 for unlimited
}

func newFrameBuffer(max int) *frameBuffer {
	return &frameBuffer{max: max}
}

// feed appends chunk and returns every complete line, delimiter stripped.
// Returned slices are owned by the caller.
func (b *frameBuffer) feed(chunk []byte) ([][]byte, error) {
	b.buf = append(b.buf, chunk...)

	var (
		lines    [][]byte
		consumed int
	)
	for {
		i := bytes.IndexByte(b.buf[consumed:], Delimiter)
		if i < 0 {
			break
		}
		if b.max > 0 && i > b.max {
			return lines, ErrFrameTooLarge
		}
		line := make([]byte, i)
		copy(line, b.buf[consumed:consumed+i])
		lines = append(lines, line)
		consumed += i + 1
	}

	if consumed > 0 {
		n := copy(b.buf, b.buf[consumed:])
		b.buf = b.buf[:n]
	}

	if b.max > 0 && len(b.buf) > b.max {
		return lines, ErrFrameTooLarge
	}

	return lines, nil
}

// pending returns the number of buffered bytes not yet part of a frame.
func (b *frameBuffer) pending() int {
	return len(b.buf)
}

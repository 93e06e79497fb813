package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

const (
	frameMarker = "~m~"

	// maxLengthDigits bounds the decimal length prefix. Anything longer
	// cannot fit a sane frame and is rejected before parsing.
	maxLengthDigits = 10

	// DefaultMaxFrameSize is the largest payload accepted when no limit is configured.
	DefaultMaxFrameSize = 4 << 20
)

// ErrFraming is matched by every *FramingError.
var ErrFraming = errors.New("framing error")

// FramingError reports a malformed or oversized frame header.
type FramingError struct {
	Reason string
	Offset int // Byte offset into the decoder's buffered stream
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing error at offset %d: %s", e.Offset, e.Reason)
}

// Is reports whether target is ErrFraming.
func (e *FramingError) Is(target error) bool {
	return target == ErrFraming
}

// EncodeFrame wraps a payload in the provider framing.
// The length counts payload bytes, not runes.
func EncodeFrame(payload string) []byte {
	n := strconv.Itoa(len(payload))
	buf := make([]byte, 0, 2*len(frameMarker)+len(n)+len(payload))
	buf = append(buf, frameMarker...)
	buf = append(buf, n...)
	buf = append(buf, frameMarker...)
	buf = append(buf, payload...)
	return buf
}

// FormatPing returns the framed keepalive for nonce n, e.g. "~m~4~m~~h~1".
func FormatPing(n int) []byte {
	return EncodeFrame(heartbeatPrefix + strconv.Itoa(n))
}

// FrameDecoder is a streaming frame parser. Bytes may arrive split at any
// boundary; incomplete trailing data is buffered until the next Feed.
// A FrameDecoder is not safe for concurrent use.
type FrameDecoder struct {
	buf      []byte
	maxFrame int
	consumed int // bytes consumed since creation, for error offsets
}

// NewFrameDecoder creates a decoder rejecting payloads above maxFrameSize.
// A non-positive size selects DefaultMaxFrameSize.
func NewFrameDecoder(maxFrameSize int) *FrameDecoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxFrame: maxFrameSize}
}

// Feed appends data and returns every payload completed by it, in order.
// On error the buffered state is discarded; payloads completed before the
// bad header are still returned.
func (d *FrameDecoder) Feed(data []byte) ([]string, error) {
	d.buf = append(d.buf, data...)

	var payloads []string
	for {
		payload, n, err := d.next()
		if err != nil {
			d.Reset()
			return payloads, err
		}
		if n == 0 {
			break
		}
		payloads = append(payloads, payload)
		d.buf = d.buf[n:]
		d.consumed += n
	}

	// Drop the consumed prefix so the backing array does not grow forever.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return payloads, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame.
func (d *FrameDecoder) Reset() {
	d.buf = nil
}

// next parses one frame from the head of the buffer. It returns n == 0 when
// more bytes are needed.
func (d *FrameDecoder) next() (string, int, error) {
	buf := d.buf
	if len(buf) == 0 {
		return "", 0, nil
	}

	// Opening marker, possibly still partial.
	if len(buf) < len(frameMarker) {
		if !bytes.HasPrefix([]byte(frameMarker), buf) {
			return "", 0, d.errorf(0, "expected %q, got %q", frameMarker, buf)
		}
		return "", 0, nil
	}
	if !bytes.HasPrefix(buf, []byte(frameMarker)) {
		return "", 0, d.errorf(0, "expected %q, got %q", frameMarker, buf[:len(frameMarker)])
	}

	// Length digits up to the closing marker.
	rest := buf[len(frameMarker):]
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > maxLengthDigits {
		return "", 0, d.errorf(len(frameMarker), "length prefix longer than %d digits", maxLengthDigits)
	}
	if digits == len(rest) {
		return "", 0, nil
	}
	if digits == 0 {
		return "", 0, d.errorf(len(frameMarker), "length prefix is not an integer")
	}

	tail := rest[digits:]
	if len(tail) < len(frameMarker) {
		if !bytes.HasPrefix([]byte(frameMarker), tail) {
			return "", 0, d.errorf(len(frameMarker)+digits, "length prefix is not an integer")
		}
		return "", 0, nil
	}
	if !bytes.HasPrefix(tail, []byte(frameMarker)) {
		return "", 0, d.errorf(len(frameMarker)+digits, "length prefix is not an integer")
	}

	size, err := strconv.Atoi(string(rest[:digits]))
	if err != nil {
		return "", 0, d.errorf(len(frameMarker), "parse length: %v", err)
	}
	if size > d.maxFrame {
		return "", 0, d.errorf(len(frameMarker), "declared length %d exceeds max frame size %d", size, d.maxFrame)
	}

	header := 2*len(frameMarker) + digits
	if len(buf) < header+size {
		return "", 0, nil
	}
	return string(buf[header : header+size]), header + size, nil
}

func (d *FrameDecoder) errorf(at int, format string, args ...any) error {
	return &FramingError{
		Reason: fmt.Sprintf(format, args...),
		Offset: d.consumed + at,
	}
}

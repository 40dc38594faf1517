// Package wire implements the framing and encoding of messages exchanged
// between peers.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ardanlabs/utxonode/foundation/blockchain/signature"
	jsoniter "github.com/json-iterator/go"
)

// HeaderSize is the size of a message frame header: magic (4), command (12),
// payload length (4) and checksum (4).
const HeaderSize = 24

// MaxPayloadSize is the largest payload accepted from a peer.
const MaxPayloadSize = 4 << 20

// commandSize is the size of the zero padded command field.
const commandSize = 12

// Set of errors returned when reading a frame.
var (
	ErrBadMagic       = errors.New("bad network magic")
	ErrBadChecksum    = errors.New("bad payload checksum")
	ErrTooLarge       = errors.New("payload too large")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMalformed      = errors.New("malformed payload")
)

// json is the codec used for payloads. Unknown fields are rejected so every
// payload has one accepted form.
var json = jsoniter.Config{
	EscapeHTML:             true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

// Header represents the frame header that preceeds every payload.
type Header struct {
	Magic    uint32
	Command  string
	Length   uint32
	Checksum [4]byte
}

// checksum returns the first four bytes of the double hash of the payload.
func checksum(payload []byte) [4]byte {
	var sum [4]byte
	h := signature.DoubleHash(payload)
	copy(sum[:], h[:4])
	return sum
}

// =============================================================================

// WriteMessage encodes the message and writes one frame to the writer.
func WriteMessage(w io.Writer, magic uint32, msg Message) error {
	cmd := msg.Command()
	if len(cmd) > commandSize {
		return fmt.Errorf("command %q: too long", cmd)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd, err)
	}

	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("encode %s: %w", cmd, ErrTooLarge)
	}

	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], magic)
	copy(frame[4:16], cmd)
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(payload)))
	sum := checksum(payload)
	copy(frame[20:24], sum[:])
	copy(frame[HeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return err
	}

	return nil
}

// ReadHeader reads and checks a frame header.
func ReadHeader(r io.Reader, magic uint32) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	hdr := Header{
		Magic:   binary.LittleEndian.Uint32(buf[0:4]),
		Command: string(bytes.TrimRight(buf[4:16], "\x00")),
		Length:  binary.LittleEndian.Uint32(buf[16:20]),
	}
	copy(hdr.Checksum[:], buf[20:24])

	if hdr.Magic != magic {
		return hdr, fmt.Errorf("%w: %08x", ErrBadMagic, hdr.Magic)
	}

	if hdr.Length > MaxPayloadSize {
		return hdr, fmt.Errorf("%w: %d bytes", ErrTooLarge, hdr.Length)
	}

	return hdr, nil
}

// ReadMessage reads one frame from the reader and decodes its payload. The
// number of bytes read is returned so the caller can account for traffic.
func ReadMessage(r io.Reader, magic uint32) (Message, int, error) {
	hdr, err := ReadHeader(r, magic)
	if err != nil {
		return nil, 0, err
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, HeaderSize, err
	}
	n := HeaderSize + len(payload)

	if checksum(payload) != hdr.Checksum {
		return nil, n, fmt.Errorf("%s: %w", hdr.Command, ErrBadChecksum)
	}

	msg, err := makeEmpty(hdr.Command)
	if err != nil {
		return nil, n, err
	}

	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, n, fmt.Errorf("%s: %w: %s", hdr.Command, ErrMalformed, err)
	}

	return msg, n, nil
}

// IsMalformed reports whether the error means the peer sent bytes that
// could not be a valid message.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrBadChecksum) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrMalformed)
}

// Package protocol defines the wire format between coordination clients and
// the server: length-delimited CBOR frames carrying a command, a tabular
// result set, an error, or a liveness probe. Responses are matched to
// requests by frame id, never by arrival order.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Frame kinds.
const (
	KindQuery     = uint8(1)
	KindResultSet = uint8(2)
	KindError     = uint8(3)
	KindPing      = uint8(4)
	KindPong      = uint8(5)
)

// MaxFrameSize bounds a single frame on the wire. Result sets larger than
// this indicate a caller storing bulk data in the coordination store, which
// it is not for.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")

// InlineColumn describes one column of an inline table.
type InlineColumn struct {
	Name string `cbor:"1,keyasint"`
	Type string `cbor:"2,keyasint"`
}

// InlineTable carries an ad-hoc tabular parameter alongside a command: a
// name, a schema, and rows as inline CSV. It never touches persistent
// storage.
type InlineTable struct {
	Name    string         `cbor:"1,keyasint"`
	Columns []InlineColumn `cbor:"2,keyasint"`
	CSVRows string         `cbor:"3,keyasint"`
}

// Query is a command request body.
type Query struct {
	Command      string        `cbor:"1,keyasint"`
	Trace        string        `cbor:"2,keyasint,omitempty"`
	InlineTables []InlineTable `cbor:"3,keyasint,omitempty"`
}

// ResultSet is a successful command response body. Cells are strings or
// null; numeric interpretation is the caller's concern.
type ResultSet struct {
	Columns []string   `cbor:"1,keyasint"`
	Rows    [][]*string `cbor:"2,keyasint,omitempty"`
}

// Frame is one wire message. Exactly one body field is set, matching Kind;
// ping and pong carry no body.
type Frame struct {
	ID        uint64     `cbor:"1,keyasint"`
	Kind      uint8      `cbor:"2,keyasint"`
	Query     *Query     `cbor:"3,keyasint,omitempty"`
	ResultSet *ResultSet `cbor:"4,keyasint,omitempty"`
	Error     string     `cbor:"5,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{MaxArrayElements: 1 << 24}).DecMode(); err != nil {
		panic(err)
	}
}

// EncodeFrame renders a frame into its full wire form, length prefix
// included. Clients keep these bytes for replay after a reconnect.
func EncodeFrame(f *Frame) ([]byte, error) {
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one frame from r. io.EOF at a frame boundary is returned
// unchanged so callers can distinguish clean shutdown from truncation.
func ReadFrame(r io.Reader) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("protocol: read frame body: %w", err)
	}
	var f Frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	return &f, nil
}

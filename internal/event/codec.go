package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Codec is a wire encoding of the message vocabulary. A connection picks one
// codec when it opens and uses it in both directions.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	// Binary reports whether encoded messages travel in binary frames.
	Binary() bool
}

// Supported codecs.
var (
	JSONCodec Codec = jsonCodec{}
	CBORCodec Codec = newCBORCodec()
)

// ErrUnknownCodec is returned by CodecByName.
var ErrUnknownCodec = errors.New("unknown encoding")

// CodecByName resolves an encoding name. The empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec, nil
	case "cbor":
		return CBORCodec, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Encode(msg Message) ([]byte, error)  { return EncodeMessage(msg) }
func (jsonCodec) Decode(data []byte) (Message, error) { return DecodeMessage(data) }
func (jsonCodec) Binary() bool                        { return false }

// cborCodec carries the same field names as the JSON form, so a CBOR message
// is a map with a "type" key followed by the message fields.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}
	dec, err := cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 1024,
		MaxMapPairs:      64,
		NaN:              cbor.NaNDecodeForbidden,
		Inf:              cbor.InfDecodeForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (c cborCodec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}
	return decodeMessage(data, c.dec.Unmarshal)
}

func (c cborCodec) Encode(msg Message) ([]byte, error) {
	body, err := c.enc.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	var fields map[string]cbor.RawMessage
	if err := c.dec.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: not a map: %w", msg.Type(), err)
	}
	if fields == nil {
		fields = make(map[string]cbor.RawMessage, 1)
	}
	typ, err := c.enc.Marshal(string(msg.Type()))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	fields["type"] = typ

	out, err := c.enc.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return out, nil
}

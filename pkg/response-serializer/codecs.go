package serializer

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack stores responses with vmihailenco/msgpack/v5.
// The zero value is ready to use.
type Msgpack struct{}

func (Msgpack) Encode(sRes StoredResponse) ([]byte, error) {
	return msgpack.Marshal(sRes)
}

func (Msgpack) Decode(b []byte) (StoredResponse, error) {
	var sRes StoredResponse
	err := msgpack.Unmarshal(b, &sRes)
	return sRes, err
}

// CBOR stores responses with fxamacker/cbor.
// The zero value is NOT ready to use. Construct with NewCBOR.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR constructs a CBOR codec with core deterministic encoding,
// so equal responses always encode to equal bytes.
func NewCBOR() (CBOR, error) {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBOR{}, err
	}
	return CBOR{enc: em, dec: dm}, nil
}

func (c CBOR) Encode(sRes StoredResponse) ([]byte, error) {
	return c.enc.Marshal(sRes)
}

func (c CBOR) Decode(b []byte) (StoredResponse, error) {
	var sRes StoredResponse
	err := c.dec.Unmarshal(b, &sRes)
	return sRes, err
}

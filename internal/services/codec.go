package services

import (
	"github.com/fxamacker/cbor/v2"
)

// Values in the local store are CBOR with Core Deterministic Encoding, so an unchanged record always
// produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("services: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("services: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalRecord(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalRecord(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

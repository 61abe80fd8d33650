package session

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Frame bodies are stored as CBOR. Struct fields take their keys from
// the json tags, so stored frames and API responses share field names.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("session: encode frame: %w", err)
	}
	return body, nil
}

func decodeFrame(body []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("session: decode frame: %w", err)
	}
	return f, nil
}

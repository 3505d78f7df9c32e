package maccommand

import (
	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

// Decode parses a back-to-back FOpts (or f_port=0 FRMPayload) byte stream
// into its individual MAC commands. uplink selects which CID/payload table
// to resolve ambiguous CIDs against (some CIDs carry different payloads in
// each direction).
func Decode(uplink bool, data []byte) ([]lorawan.MACCommand, error) {
	var out []lorawan.MACCommand

	for len(data) > 0 {
		var cmd lorawan.MACCommand
		if err := cmd.UnmarshalBinary(uplink, data); err != nil {
			return nil, errors.Wrap(err, "unmarshal mac command")
		}

		size := 1
		if cmd.Payload != nil {
			b, err := cmd.Payload.MarshalBinary()
			if err != nil {
				return nil, errors.Wrap(err, "marshal mac command payload")
			}
			size += len(b)
		}
		if size > len(data) {
			return nil, errors.New("maccommand: truncated command stream")
		}

		out = append(out, cmd)
		data = data[size:]
	}

	return out, nil
}

// Encode serializes cmds back-to-back, the inverse of Decode.
func Encode(cmds []lorawan.MACCommand) ([]byte, error) {
	var out []byte
	for _, cmd := range cmds {
		b, err := cmd.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal mac command")
		}
		out = append(out, b...)
	}
	return out, nil
}

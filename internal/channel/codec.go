package channel

import (
	"encoding/json"
	"fmt"
)

// DecodeValue unmarshals a raw JSON payload into the value type the channel
// accepts. The result still has to pass Validate before it reaches a cell.
func DecodeValue(ch Channel, raw []byte) (Value, error) {
	fail := func(err error) (Value, error) {
		return nil, fmt.Errorf("decode %s payload: %w", ch, err)
	}
	switch ch {
	case Location:
		var v Coordinates
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case Accelerometer, Gyroscope, Magnetometer:
		var v Vector
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case AmbientLight:
		var v Illuminance
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case Proximity:
		var v ProximityReading
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case Network:
		var v NetworkProfile
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	case Power:
		var v PowerProfile
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("no value type for channel %q", ch)
}

package channel

import (
	"encoding/json"
	"testing"
)

func TestDecodeValueMatchesChannelType(t *testing.T) {
	raw, err := json.Marshal(Coordinates{Lat: 37.7749, Lon: -122.4194, AltM: 52})
	if err != nil {
		t.Fatal(err)
	}
	v, err := DecodeValue(Location, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	coords, ok := v.(Coordinates)
	if !ok {
		t.Fatalf("decoded %T, want Coordinates", v)
	}
	if coords.Lat != 37.7749 || coords.Lon != -122.4194 {
		t.Fatalf("decoded %+v", coords)
	}

	v, err = DecodeValue(Power, []byte(`{"level_pct":42,"charging":true}`))
	if err != nil {
		t.Fatalf("decode power: %v", err)
	}
	if p := v.(PowerProfile); p.LevelPct != 42 || !p.Charging {
		t.Fatalf("decoded %+v", p)
	}
}

func TestDecodeValueRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeValue(Location, []byte(`{"lat":"north"`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
	if _, err := DecodeValue(Channel("thermometer"), []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown channel")
	}
}

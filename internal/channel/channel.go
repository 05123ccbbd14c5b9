package channel

import "fmt"

// Channel identifies one simulated hardware signal path on a device.
type Channel string

const (
	Location      Channel = "location"
	Accelerometer Channel = "accelerometer"
	Gyroscope     Channel = "gyroscope"
	Magnetometer  Channel = "magnetometer"
	AmbientLight  Channel = "ambient_light"
	Proximity     Channel = "proximity"
	Network       Channel = "network"
	Power         Channel = "power"
)

// All returns every channel in a stable order.
func All() []Channel {
	return []Channel{
		Location,
		Accelerometer,
		Gyroscope,
		Magnetometer,
		AmbientLight,
		Proximity,
		Network,
		Power,
	}
}

// Parse maps a wire/config name to a Channel.
func Parse(name string) (Channel, error) {
	ch := Channel(name)
	if !ch.Valid() {
		return "", fmt.Errorf("unknown channel %q", name)
	}
	return ch, nil
}

func (c Channel) Valid() bool {
	switch c {
	case Location, Accelerometer, Gyroscope, Magnetometer, AmbientLight, Proximity, Network, Power:
		return true
	}
	return false
}

// Motion reports whether the channel carries a three-axis vector.
func (c Channel) Motion() bool {
	switch c {
	case Accelerometer, Gyroscope, Magnetometer:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

package model

// Channel is one of the fixed output streams a driver can publish on.
type Channel string

const (
	ChannelLeft      Channel = "left"
	ChannelRight     Channel = "right"
	ChannelPainLeft  Channel = "pain-left"
	ChannelPainRight Channel = "pain-right"
	ChannelBottle    Channel = "bottle"
)

// Channels lists every channel in wire order.
var Channels = []Channel{
	ChannelLeft,
	ChannelRight,
	ChannelPainLeft,
	ChannelPainRight,
	ChannelBottle,
}

func (c Channel) Valid() bool {
	for _, ch := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// TrafficLight is the rider feedback signal shown to the driver.
type TrafficLight string

const (
	LightRed    TrafficLight = "R"
	LightYellow TrafficLight = "Y"
	LightGreen  TrafficLight = "G"
	LightNone   TrafficLight = "N"
)

func (l TrafficLight) Valid() bool {
	switch l {
	case LightRed, LightYellow, LightGreen, LightNone:
		return true
	}
	return false
}

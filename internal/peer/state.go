package peer

// State is the lifecycle of one side of a robot/operator pairing.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) Negotiating() bool {
	return s == StateOffering || s == StateAnswering
}

type ChannelState int

const (
	ChannelUnopened ChannelState = iota
	ChannelOpen
	ChannelClosed
)

func (c ChannelState) String() string {
	switch c {
	case ChannelUnopened:
		return "unopened"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

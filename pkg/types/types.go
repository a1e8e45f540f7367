// Package types defines the identifiers shared by every callscribe package.
//
// They are intentionally minimal. Each package owns its own domain types, but
// the (call, channel) addressing scheme and speaker attribution live here so
// the ingest path, the session layer and the transcript router agree on them
// without importing each other.
package types

import "fmt"

// Channel is one of the two independent audio legs of a call.
type Channel string

const (
	// ChannelMic is the near-end leg, captured from the agent's microphone.
	ChannelMic Channel = "mic"

	// ChannelSpeaker is the far-end leg, captured from the agent's speaker
	// output (the remote party).
	ChannelSpeaker Channel = "speaker"
)

// Channels lists every valid channel in a stable order.
var Channels = []Channel{ChannelMic, ChannelSpeaker}

// IsValid reports whether c is a recognised channel.
func (c Channel) IsValid() bool {
	return c == ChannelMic || c == ChannelSpeaker
}

// ParseChannel converts s into a [Channel], rejecting anything other than
// "mic" or "speaker".
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.IsValid() {
		return "", fmt.Errorf("types: unknown channel %q", s)
	}
	return c, nil
}

// Speaker identifies which party of the call produced an utterance.
type Speaker string

const (
	// SpeakerAgent is the party on the mic channel.
	SpeakerAgent Speaker = "agent"

	// SpeakerCustomer is the party on the speaker channel.
	SpeakerCustomer Speaker = "customer"
)

// Speaker returns the party attributed to audio on channel c. The mapping is
// fixed: mic is always the agent, speaker is always the customer.
func (c Channel) Speaker() Speaker {
	if c == ChannelMic {
		return SpeakerAgent
	}
	return SpeakerCustomer
}

// StreamKey addresses the unit of session and buffer ownership: one channel
// of one call.
type StreamKey struct {
	CallID  string
	Channel Channel
}

// String returns "callID/channel", used in log lines and metric labels.
func (k StreamKey) String() string {
	return k.CallID + "/" + string(k.Channel)
}

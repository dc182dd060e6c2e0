package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownChannelType is returned for channel names outside ChannelTypes.
var ErrUnknownChannelType = errors.New("unknown channel type")

// ChannelType is one delivery medium.
type ChannelType string

// Channel types.
const (
	ChannelTypeEmail ChannelType = "email"
	ChannelTypeSMS   ChannelType = "sms"
	ChannelTypeVoice ChannelType = "voice"
	ChannelTypePush  ChannelType = "push"
)

// ChannelTypes lists every supported channel in a stable order.
var ChannelTypes = []ChannelType{ChannelTypeEmail, ChannelTypeSMS, ChannelTypeVoice, ChannelTypePush}

// ParseChannelType converts a string into a known ChannelType.
func ParseChannelType(s string) (ChannelType, error) {
	for _, ct := range ChannelTypes {
		if string(ct) == s {
			return ct, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannelType, s)
}

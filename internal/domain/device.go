package domain

import "time"

// DeviceType is the mobile platform of a push token.
type DeviceType string

// Device types.
const (
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeWeb     DeviceType = "web"
)

// DeviceToken is a push registration owned by a user.
type DeviceToken struct {
	UserID      string
	DeviceToken string
	DeviceType  DeviceType
	LastUsedAt  time.Time
}

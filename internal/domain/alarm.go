package domain

import "time"

// Alarm is a tracker alarm event produced by the upstream consumer.
// The delivery engine never mutates it.
type Alarm struct {
	ID         string    `json:"id"`
	IMEI       string    `json:"imei"`
	Status     string    `json:"status"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      float64   `json:"speed"`
	ServerTime time.Time `json:"server_time"`
	GPSTime    time.Time `json:"gps_time"`
}

// Type returns the alarm type used for template selection.
func (a Alarm) Type() string {
	return a.Status
}

package notifications

import (
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// DefaultContent renders the built-in message used when the template service is unavailable.
func DefaultContent(channel domain.ChannelType, alarm domain.Alarm) Content {
	status := alarmTitle(alarm.Status)
	subject := fmt.Sprintf("[Alarm] %s - %s", status, alarm.IMEI)

	switch channel {
	case domain.ChannelTypeSMS:
		return Content{
			Subject: subject,
			Body: fmt.Sprintf("ALARM %s: device %s at %s, %.0f km/h, %s",
				status, alarm.IMEI, coordinates(alarm), alarm.Speed, formatTime(alarm.GPSTime)),
		}
	case domain.ChannelTypeVoice:
		return Content{
			Subject: subject,
			Body: fmt.Sprintf("Attention. %s alarm for device %s. Speed %.0f kilometers per hour.",
				status, spell(alarm.IMEI), alarm.Speed),
		}
	case domain.ChannelTypePush:
		return Content{
			Subject: fmt.Sprintf("%s alarm", status),
			Body:    fmt.Sprintf("Device %s reported %s at %s", alarm.IMEI, strings.ToLower(status), formatTime(alarm.GPSTime)),
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Alarm: %s\n", status)
	fmt.Fprintf(&b, "Device: %s\n", alarm.IMEI)
	fmt.Fprintf(&b, "Location: %s\n", coordinates(alarm))
	fmt.Fprintf(&b, "Speed: %.0f km/h\n", alarm.Speed)
	fmt.Fprintf(&b, "GPS time: %s\n", formatTime(alarm.GPSTime))
	fmt.Fprintf(&b, "Server time: %s\n", formatTime(alarm.ServerTime))
	fmt.Fprintf(&b, "Map: https://maps.google.com/?q=%.6f,%.6f\n", alarm.Latitude, alarm.Longitude)

	return Content{Subject: subject, Body: b.String()}
}

func alarmTitle(status string) string {
	s := strings.TrimSpace(strings.ReplaceAll(status, "_", " "))
	if s == "" {
		return "Unknown"
	}
	return titleCaser.String(s)
}

func coordinates(a domain.Alarm) string {
	return fmt.Sprintf("%.6f,%.6f", a.Latitude, a.Longitude)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}

// spell separates digits so text-to-speech reads them one by one.
func spell(s string) string {
	return strings.Join(strings.Split(s, ""), " ")
}

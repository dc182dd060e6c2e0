//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/alarm-dispatch/internal/delivery"
	"github.com/bissquit/alarm-dispatch/internal/domain"
	"github.com/bissquit/alarm-dispatch/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type envelope[T any] struct {
	Data T `json:"data"`
}

func newAlarm(status string) domain.Alarm {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Alarm{
		ID:         uuid.NewString(),
		IMEI:       "356938035643809",
		Status:     status,
		Latitude:   59.9343,
		Longitude:  30.3351,
		Speed:      42,
		ServerTime: now,
		GPSTime:    now.Add(-5 * time.Second),
	}
}

// uniquePhone returns an E.164 number so tests never share recipient counters.
func uniquePhone() string {
	return fmt.Sprintf("+7999%07d", time.Now().UnixNano()%10_000_000)
}

func deliver(t *testing.T, client *testutil.Client, channel domain.ChannelType, alarm domain.Alarm, recipients ...string) (*http.Response, delivery.Outcome) {
	t.Helper()

	resp, err := client.POST("/api/v1/deliveries", delivery.DeliverRequest{
		Channel:    string(channel),
		Alarm:      alarm,
		Recipients: recipients,
	})
	require.NoError(t, err)

	var out envelope[delivery.Outcome]
	testutil.DecodeJSON(t, resp, &out)
	return resp, out.Data
}

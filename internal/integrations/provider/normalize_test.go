package provider

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRecon/internal/models"
)

func TestNormalize_BatchPayload(t *testing.T) {
	raw := json.RawMessage(`{
  "number": "RB123456789CN",
  "track": {
    "b": 40,
    "z0": [
      {"z": "Delivered", "a": "2025-03-02 10:15:00", "c": "Tel Aviv"},
      {"z": "Out for delivery", "a": "2025-03-02 08:00:00", "c": "Tel Aviv"}
    ]
  }
}`)

	ev, ok, fp := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, models.StatusDelivered, ev.Status)
	require.Equal(t, "Delivered", ev.StatusRaw)
	require.NotNil(t, ev.EventTime)
	require.Equal(t, time.Date(2025, 3, 2, 10, 15, 0, 0, time.UTC), ev.EventTime.UTC())
	require.NotNil(t, ev.Location)
	require.Equal(t, "Tel Aviv", *ev.Location)
	require.NotEmpty(t, fp)
}

func TestNormalize_CheckpointPayload(t *testing.T) {
	raw := json.RawMessage(`{
  "tracking": {
    "checkpoints": [
      {"tag": "InfoReceived", "checkpoint_time": "2025-01-05T09:00:00", "location": "Shenzhen"},
      {"tag": "InTransit", "checkpoint_time": "2025-01-07T12:30:00", "location": "Hong Kong"}
    ]
  }
}`)

	ev, ok, _ := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, models.StatusInTransit, ev.Status)
	require.Equal(t, "InTransit", ev.StatusRaw)
	require.Equal(t, "Hong Kong", *ev.Location)
}

func TestNormalize_DictOfDictsEvents(t *testing.T) {
	raw := json.RawMessage(`{
  "events": {
    "0": {"status": "In transit", "time": "2025-02-01 10:00:00"},
    "1": {"status": "Arrived at destination country", "time": "2025-02-03 11:00:00"}
  }
}`)

	ev, ok, _ := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, models.StatusArrivedDestination, ev.Status)
	require.Equal(t, "2025-02-03 11:00:00", ev.EventTimeRaw)
}

func TestNormalize_SingleEventObject(t *testing.T) {
	raw := json.RawMessage(`{"status": "Delivered", "time": "2025-02-10 09:00:00"}`)

	ev, ok, _ := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, models.StatusDelivered, ev.Status)
}

func TestNormalize_UnparsableTimeStaysAbsent(t *testing.T) {
	raw := json.RawMessage(`{"status": "In transit", "time": "next tuesday morning"}`)

	ev, ok, fp := Normalize(raw)
	require.True(t, ok)
	require.Nil(t, ev.EventTime)
	require.Equal(t, "next tuesday morning", ev.EventTimeRaw)
	require.NotEmpty(t, fp)
}

func TestNormalize_DuplicatesCollapseLatestWins(t *testing.T) {
	raw := json.RawMessage(`{
  "track": {
    "z0": [
      {"z": "In transit", "a": "2025-02-01 10:00:00"},
      {"z": "In transit", "a": "2025-02-01 10:00:00"},
      {"z": "Accepted", "a": "2025-01-30 08:00:00"}
    ]
  }
}`)

	ev, ok, _ := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, "In transit", ev.StatusRaw)
	require.Equal(t, "2025-02-01 10:00:00", ev.EventTimeRaw)
}

func TestNormalize_ZeroCodeFallsBackToText(t *testing.T) {
	// b=0 means "nothing found" on some providers even when event text is
	// present; the text must still drive the status.
	raw := json.RawMessage(`{
  "track": {
    "b": 0,
    "z0": [{"z": "נמסר", "a": "2025-03-01 12:00:00"}]
  }
}`)

	ev, ok, _ := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, models.StatusDelivered, ev.Status)
}

func TestNormalize_EventCodeBeatsContainerCode(t *testing.T) {
	raw := json.RawMessage(`{
  "track": {
    "b": 20,
    "z0": [{"z": "On the way", "a": "2025-03-01 12:00:00", "status_code": 40}]
  }
}`)

	ev, ok, _ := Normalize(raw)
	require.True(t, ok)
	require.Equal(t, models.StatusDelivered, ev.Status)
}

func TestNormalize_Unusable(t *testing.T) {
	for _, raw := range []string{"", "not json", "{}", "[]", `{"track": {}}`, `{"number": "X1"}`} {
		_, ok, fp := Normalize(json.RawMessage(raw))
		require.False(t, ok, "payload %q", raw)
		require.Empty(t, fp)
	}
}

func TestParseEventTime(t *testing.T) {
	cases := []struct {
		in   string
		want *time.Time
	}{
		{"2025-01-02 13:45:00", tp(time.Date(2025, 1, 2, 13, 45, 0, 0, time.UTC))},
		{"2025-01-02T13:45:00Z", tp(time.Date(2025, 1, 2, 13, 45, 0, 0, time.UTC))},
		{"2025-01-02T13:45:00", tp(time.Date(2025, 1, 2, 13, 45, 0, 0, time.UTC))},
		{"2025-01-02", tp(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))},
		{"02.01.2025 13:45:00", tp(time.Date(2025, 1, 2, 13, 45, 0, 0, time.UTC))},
		{"garbage", nil},
		{"", nil},
	}
	for _, c := range cases {
		got := ParseEventTime(c.in)
		if c.want == nil {
			require.Nil(t, got, "input %q", c.in)
			continue
		}
		require.NotNil(t, got, "input %q", c.in)
		require.Equal(t, *c.want, got.UTC(), "input %q", c.in)
	}
}

func tp(t time.Time) *time.Time { return &t }

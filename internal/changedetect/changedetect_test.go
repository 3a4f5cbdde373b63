package changedetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRecon/internal/models"
)

func TestFingerprint_Stable(t *testing.T) {
	at := time.Date(2025, 3, 2, 10, 15, 0, 0, time.UTC)
	loc := "Tel Aviv"
	ev := models.Event{StatusRaw: "Delivered", EventTime: &at, Location: &loc}

	require.Equal(t, Fingerprint(ev), Fingerprint(ev))
}

func TestFingerprint_SensitiveToEachField(t *testing.T) {
	at := time.Date(2025, 3, 2, 10, 15, 0, 0, time.UTC)
	later := at.Add(time.Hour)
	loc := "Tel Aviv"
	other := "Haifa"
	base := models.Event{StatusRaw: "In transit", EventTime: &at, Location: &loc}

	byStatus := base
	byStatus.StatusRaw = "Delivered"
	require.NotEqual(t, Fingerprint(base), Fingerprint(byStatus))

	byTime := base
	byTime.EventTime = &later
	require.NotEqual(t, Fingerprint(base), Fingerprint(byTime))

	byLocation := base
	byLocation.Location = &other
	require.NotEqual(t, Fingerprint(base), Fingerprint(byLocation))

	noTime := base
	noTime.EventTime = nil
	require.NotEqual(t, Fingerprint(base), Fingerprint(noTime))
}

func TestFingerprint_AbsentTimeIsCanonical(t *testing.T) {
	// Two payloads with unparsable timestamps describe the same unknown;
	// the differing raw strings must not change the digest.
	a := models.Event{StatusRaw: "In transit", EventTimeRaw: "next tuesday"}
	b := models.Event{StatusRaw: "In transit", EventTimeRaw: "soon"}

	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestChanged(t *testing.T) {
	require.True(t, Changed("", "abc"))
	require.True(t, Changed("abc", "def"))
	require.False(t, Changed("abc", "abc"))
}

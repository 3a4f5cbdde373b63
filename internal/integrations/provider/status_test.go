package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRecon/internal/models"
)

func TestNormalizeStatus_CodeTable(t *testing.T) {
	cases := map[int64]string{
		10: models.StatusInfoReceived,
		20: models.StatusInTransit,
		30: models.StatusOutForDelivery,
		40: models.StatusDelivered,
		50: models.StatusException,
	}
	for code, want := range cases {
		c := code
		require.Equal(t, want, NormalizeStatus(&c, "anything at all"), "code %d", code)
	}
}

func TestNormalizeStatus_Keywords(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"Delivered to recipient", models.StatusDelivered},
		{"נמסר לנמען", models.StatusDelivered},
		{"Out for delivery", models.StatusOutForDelivery},
		{"יצא לחלוקה", models.StatusOutForDelivery},
		{"Ready for pickup", models.StatusOutForDelivery},
		{"Held by customs", models.StatusCustoms},
		{"Shipment information received", models.StatusInfoReceived},
		{"Arrived at destination country", models.StatusArrivedDestination},
		{"Arrived at sorting facility", models.StatusArrivedSorting},
		{"In transit to next facility", models.StatusInTransit},
		{"Delivery exception", models.StatusException},
		{"AttemptFail", models.StatusException},
		{"Tracking expired", models.StatusExpired},
	}
	for _, c := range cases {
		require.Equal(t, c.want, NormalizeStatus(nil, c.raw), "raw %q", c.raw)
	}
}

func TestNormalizeStatus_ZeroCodeUsesText(t *testing.T) {
	zero := int64(0)
	require.Equal(t, models.StatusDelivered, NormalizeStatus(&zero, "Delivered"))
}

func TestNormalizeStatus_UnknownCodeUsesText(t *testing.T) {
	odd := int64(77)
	require.Equal(t, models.StatusCustoms, NormalizeStatus(&odd, "customs clearance"))
}

func TestNormalizeStatus_DefaultInTransit(t *testing.T) {
	require.Equal(t, models.StatusInTransit, NormalizeStatus(nil, "some operational note"))
}

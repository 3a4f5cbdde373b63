package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRecon/internal/broker/messages"
	"github.com/BearBump/ShipRecon/internal/models"
)

type fakeSubscribers struct {
	subs    []*models.Subscription
	err     error
	gotID   uint64
	gotMute bool
	calls   int
}

func (f *fakeSubscribers) ListSubscribers(_ context.Context, shipmentID uint64, includeMuted bool) ([]*models.Subscription, error) {
	f.calls++
	f.gotID = shipmentID
	f.gotMute = includeMuted
	if f.err != nil {
		return nil, f.err
	}
	return f.subs, nil
}

type delivery struct {
	userID int64
	text   string
}

type fakeMessenger struct {
	failFor    map[int64]error
	deliveries []delivery
}

func (f *fakeMessenger) Deliver(_ context.Context, userID int64, text string) error {
	if err := f.failFor[userID]; err != nil {
		return err
	}
	f.deliveries = append(f.deliveries, delivery{userID: userID, text: text})
	return nil
}

func changeValue(t *testing.T, msg *messages.ShipmentChanged) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestHandle_DeliversToEverySubscriber(t *testing.T) {
	repo := &fakeSubscribers{subs: []*models.Subscription{
		{ID: 1, UserID: 100, ShipmentID: 7, ItemName: "Headphones"},
		{ID: 2, UserID: 200, ShipmentID: 7, ItemName: ""},
	}}
	messenger := &fakeMessenger{}
	svc := New(repo, messenger)

	value := changeValue(t, &messages.ShipmentChanged{
		ShipmentID:     7,
		TrackingNumber: "RB123456789CN",
		Status:         models.StatusInTransit,
		StatusRaw:      "In transit",
	})
	require.NoError(t, svc.Handle(context.Background(), []byte("7"), value))

	require.Len(t, messenger.deliveries, 2)
	require.Equal(t, int64(100), messenger.deliveries[0].userID)
	require.Equal(t, int64(200), messenger.deliveries[1].userID)
	require.Contains(t, messenger.deliveries[0].text, "Headphones")
	// no item name falls back to the tracking number as the title
	require.Contains(t, messenger.deliveries[1].text, "<b>RB123456789CN</b>")

	require.Equal(t, uint64(7), repo.gotID)
	require.False(t, repo.gotMute, "muted subscribers must stay excluded")
	require.Equal(t, int64(2), svc.Stats().Delivered)
}

func TestHandle_OneFailedDeliveryDoesNotBlockOthers(t *testing.T) {
	repo := &fakeSubscribers{subs: []*models.Subscription{
		{ID: 1, UserID: 100, ShipmentID: 7},
		{ID: 2, UserID: 200, ShipmentID: 7},
		{ID: 3, UserID: 300, ShipmentID: 7},
	}}
	messenger := &fakeMessenger{failFor: map[int64]error{200: errors.New("blocked by user")}}
	svc := New(repo, messenger)

	value := changeValue(t, &messages.ShipmentChanged{ShipmentID: 7, TrackingNumber: "N1", Status: models.StatusDelivered, StatusRaw: "Delivered"})
	require.NoError(t, svc.Handle(context.Background(), nil, value), "delivery failures must not force redelivery")

	require.Len(t, messenger.deliveries, 2)
	require.Equal(t, int64(100), messenger.deliveries[0].userID)
	require.Equal(t, int64(300), messenger.deliveries[1].userID)

	stats := svc.Stats()
	require.Equal(t, int64(2), stats.Delivered)
	require.Equal(t, int64(1), stats.Failed)
}

func TestHandle_UnparsableMessageIsDropped(t *testing.T) {
	repo := &fakeSubscribers{}
	messenger := &fakeMessenger{}
	svc := New(repo, messenger)

	require.NoError(t, svc.Handle(context.Background(), []byte("7"), []byte("not json")))

	require.Zero(t, repo.calls, "a poison message must not reach the store")
	require.Empty(t, messenger.deliveries)
	require.Equal(t, int64(1), svc.Stats().Skipped)
}

func TestHandle_StoreErrorRequestsRedelivery(t *testing.T) {
	repo := &fakeSubscribers{err: errors.New("connection refused")}
	messenger := &fakeMessenger{}
	svc := New(repo, messenger)

	value := changeValue(t, &messages.ShipmentChanged{ShipmentID: 7, TrackingNumber: "N1", Status: models.StatusInTransit, StatusRaw: "In transit"})
	err := svc.Handle(context.Background(), nil, value)
	require.Error(t, err)
	require.Contains(t, err.Error(), "list subscribers")
	require.Empty(t, messenger.deliveries)
}

func TestRender_FullMessage(t *testing.T) {
	at := time.Date(2025, 3, 2, 10, 15, 0, 0, time.UTC)
	loc := "Tel Aviv"
	msg := &messages.ShipmentChanged{
		ShipmentID:     7,
		TrackingNumber: "RR123456789IL",
		Status:         models.StatusOutForDelivery,
		StatusRaw:      "Out for delivery",
		EventTime:      &at,
		Location:       &loc,
	}

	text := Render(msg, "Espresso machine")
	require.Contains(t, text, "<b>Espresso machine</b>")
	require.Contains(t, text, "\U0001F69A Out for delivery")
	require.Contains(t, text, "2025-03-02 10:15")
	require.Contains(t, text, "Tel Aviv")
	require.Contains(t, text, "<code>RR123456789IL</code>")
	require.NotContains(t, text, "archived")
}

func TestRender_DeliveredAddsClosingLine(t *testing.T) {
	msg := &messages.ShipmentChanged{
		TrackingNumber: "N1",
		Status:         models.StatusDelivered,
		StatusRaw:      "Delivered",
	}
	text := Render(msg, "")
	require.Contains(t, text, "✅ Delivered")
	require.Contains(t, text, "now archived")
}

func TestRender_EscapesProviderText(t *testing.T) {
	loc := `Hub <24> & "dock"`
	msg := &messages.ShipmentChanged{
		TrackingNumber: "N1",
		Status:         models.StatusException,
		StatusRaw:      "<b>failed</b> attempt",
		Location:       &loc,
	}
	text := Render(msg, "a<b>c")
	require.Contains(t, text, "a&lt;b&gt;c")
	require.Contains(t, text, "&lt;b&gt;failed&lt;/b&gt; attempt")
	require.Contains(t, text, "Hub &lt;24&gt; &amp; &#34;dock&#34;")
	require.NotContains(t, text, "<b>failed")
}

func TestRender_UnparsedTimeFallsBackToRaw(t *testing.T) {
	msg := &messages.ShipmentChanged{
		TrackingNumber: "N1",
		Status:         models.StatusInTransit,
		StatusRaw:      "In transit",
		EventTimeRaw:   "next Tuesday-ish",
	}
	text := Render(msg, "")
	require.Contains(t, text, "\U0001F550 next Tuesday-ish")
}

func TestRender_NoTimeNoLocationSkipsLines(t *testing.T) {
	msg := &messages.ShipmentChanged{
		TrackingNumber: "N1",
		Status:         models.StatusUnknown,
		StatusRaw:      "Something odd",
	}
	text := Render(msg, "")
	require.NotContains(t, text, "\U0001F550")
	require.NotContains(t, text, "\U0001F4CD")
	// statuses outside the emoji table fall back to the parcel icon
	require.Contains(t, text, "\U0001F4E6 Something odd")
}

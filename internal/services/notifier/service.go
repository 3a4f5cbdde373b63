package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/BearBump/ShipRecon/internal/broker/messages"
	"github.com/BearBump/ShipRecon/internal/models"
)

type Subscribers interface {
	ListSubscribers(ctx context.Context, shipmentID uint64, includeMuted bool) ([]*models.Subscription, error)
}

type Messenger interface {
	Deliver(ctx context.Context, userID int64, text string) error
}

// Service fans a shipment change out to its subscribers. The subscriber
// list is read per message, so mutes and removals apply to changes already
// sitting in the queue. One failed delivery never blocks the others.
type Service struct {
	repo      Subscribers
	messenger Messenger

	delivered atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

func New(repo Subscribers, messenger Messenger) *Service {
	return &Service{repo: repo, messenger: messenger}
}

type Stats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
		Skipped:   s.skipped.Load(),
	}
}

// Handle is the broker consumer callback. Returning an error leaves the
// message uncommitted for redelivery; that is reserved for transient store
// failures. An unparsable message is logged and dropped, and delivery
// failures are logged per subscriber, because redelivering those would
// re-notify everyone who already got the message.
func (s *Service) Handle(ctx context.Context, key, value []byte) error {
	var msg messages.ShipmentChanged
	if err := json.Unmarshal(value, &msg); err != nil {
		slog.Error("drop unparsable change message", "key", string(key), "error", err.Error())
		s.skipped.Add(1)
		return nil
	}

	subs, err := s.repo.ListSubscribers(ctx, msg.ShipmentID, false)
	if err != nil {
		return errors.Wrap(err, "list subscribers")
	}

	for _, sub := range subs {
		text := Render(&msg, sub.ItemName)
		if err := s.messenger.Deliver(ctx, sub.UserID, text); err != nil {
			s.failed.Add(1)
			slog.Error("deliver notification",
				"shipment_id", msg.ShipmentID, "user_id", sub.UserID, "error", err.Error())
			continue
		}
		s.delivered.Add(1)
	}
	return nil
}

package notifier

import (
	"fmt"
	"html"
	"strings"

	"github.com/BearBump/ShipRecon/internal/broker/messages"
	"github.com/BearBump/ShipRecon/internal/models"
)

var statusEmoji = map[string]string{
	models.StatusInfoReceived:       "\U0001F4CB",
	models.StatusInTransit:          "✈️",
	models.StatusArrivedSorting:     "\U0001F3ED",
	models.StatusArrivedDestination: "\U0001F6EC",
	models.StatusCustoms:            "\U0001F6C3",
	models.StatusOutForDelivery:     "\U0001F69A",
	models.StatusDelivered:          "✅",
	models.StatusException:          "⚠️",
	models.StatusExpired:            "⌛",
}

// Render builds the HTML notification text for one subscriber. All
// provider-supplied strings pass through html.EscapeString: carriers do
// ship angle brackets in status lines.
func Render(msg *messages.ShipmentChanged, itemName string) string {
	title := itemName
	if title == "" {
		title = msg.TrackingNumber
	}

	emoji, ok := statusEmoji[msg.Status]
	if !ok {
		emoji = "\U0001F4E6"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\U0001F4E6 <b>%s</b>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "%s %s\n", emoji, html.EscapeString(msg.StatusRaw))

	if msg.EventTime != nil {
		fmt.Fprintf(&b, "\U0001F550 %s\n", msg.EventTime.UTC().Format("2006-01-02 15:04"))
	} else if msg.EventTimeRaw != "" {
		fmt.Fprintf(&b, "\U0001F550 %s\n", html.EscapeString(msg.EventTimeRaw))
	}

	if msg.Location != nil && *msg.Location != "" {
		fmt.Fprintf(&b, "\U0001F4CD %s\n", html.EscapeString(*msg.Location))
	}

	if msg.Status == models.StatusDelivered {
		b.WriteString("\nDelivered. The shipment is now archived.\n")
	}

	fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(msg.TrackingNumber))
	return b.String()
}

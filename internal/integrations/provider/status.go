package provider

import (
	"strings"

	"github.com/BearBump/ShipRecon/internal/models"
)

// Keyword tables for the textual fallback, lowercase. English plus Hebrew
// (the original deployment's audience), plus the camel-case tag vocabulary
// some providers emit as a single token.
var (
	kwDelivered      = []string{"delivered", "נמסר"}
	kwOutForDelivery = []string{"out for delivery", "outfordelivery", "pickup", "יצא לחלוקה"}
	kwCustoms        = []string{"customs", "מכס"}
	kwInfoReceived   = []string{"info received", "information received", "inforeceived"}
	kwArrived        = []string{"arrived", "הגיע"}
	kwDestination    = []string{"destination", "יעד"}
	kwInTransit      = []string{"in transit", "intransit", "בדרך"}
	kwException      = []string{"exception", "attemptfail", "alert", "problem", "חריגה", "בעיה"}
	kwExpired        = []string{"expired", "פג"}
)

// NormalizeStatus maps a provider status onto the canonical taxonomy.
// A known numeric status code wins outright; 0 ("not found") and unknown
// codes fall through to keyword matching over the raw text; a received
// event that matches nothing is assumed to be moving, so the default is
// IN_TRANSIT rather than UNKNOWN.
func NormalizeStatus(code *int64, statusRaw string) string {
	if code != nil {
		switch *code {
		case 10:
			return models.StatusInfoReceived
		case 20:
			return models.StatusInTransit
		case 30:
			return models.StatusOutForDelivery
		case 40:
			return models.StatusDelivered
		case 50:
			return models.StatusException
		}
	}

	low := strings.ToLower(statusRaw)
	switch {
	case containsAny(low, kwDelivered):
		return models.StatusDelivered
	case containsAny(low, kwOutForDelivery):
		return models.StatusOutForDelivery
	case containsAny(low, kwCustoms):
		return models.StatusCustoms
	case containsAny(low, kwInfoReceived):
		return models.StatusInfoReceived
	case containsAny(low, kwArrived):
		if containsAny(low, kwDestination) {
			return models.StatusArrivedDestination
		}
		return models.StatusArrivedSorting
	case containsAny(low, kwInTransit):
		return models.StatusInTransit
	case containsAny(low, kwException):
		return models.StatusException
	case containsAny(low, kwExpired):
		return models.StatusExpired
	}
	return models.StatusInTransit
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

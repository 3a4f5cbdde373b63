package provider

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Error taxonomy shared by every provider client. Clients wrap these with
// request context; callers match with errors.Is.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrMalformedPayload    = errors.New("malformed provider payload")
	ErrNotConfigured       = errors.New("provider not configured")
)

type CarrierCandidate struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type BatchItem struct {
	TrackingNumber string
	CarrierCode    string
}

// Client is the provider adapter contract. One implementation per tracking
// service; payload shapes stay inside the adapter, nothing else in the
// engine may depend on a provider's wire format. Implementations are
// selected by configuration, never by call-site branching.
type Client interface {
	// DetectCarriers returns ordered carrier candidates for a number.
	// Best-effort: never empty, the generic auto-detect candidate closes
	// the list when nothing recognizes the number.
	DetectCarriers(ctx context.Context, trackingNumber string) ([]CarrierCandidate, error)

	// Register submits a number to the provider. Idempotent: registering
	// an already-registered number succeeds.
	Register(ctx context.Context, trackingNumber, carrierCode string) error

	// FetchOne returns the raw payload for one shipment. ok=false means
	// the provider has nothing for this number (not an error).
	FetchOne(ctx context.Context, trackingNumber, carrierCode string) (json.RawMessage, bool, error)

	// FetchBatch fetches many shipments at once, chunking internally to
	// the provider's batch ceiling. Numbers missing from the result map
	// had no data this cycle.
	FetchBatch(ctx context.Context, items []BatchItem) (map[string]json.RawMessage, error)
}

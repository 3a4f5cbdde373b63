package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/ShipRecon/internal/integrations/provider"
)

// Client is a deterministic in-process provider for local runs and tests.
// Status and event time are derived from (carrier, number), so repeated
// polls of the same shipment return the same payload: roughly 20% of
// numbers come back delivered, some return no data at all.
type Client struct{}

func New() *Client { return &Client{} }

func (f *Client) DetectCarriers(ctx context.Context, trackingNumber string) ([]provider.CarrierCandidate, error) {
	return provider.FallbackCandidates(trackingNumber), nil
}

func (f *Client) Register(ctx context.Context, trackingNumber, carrierCode string) error {
	return nil
}

func (f *Client) FetchOne(ctx context.Context, trackingNumber, carrierCode string) (json.RawMessage, bool, error) {
	v := mix(carrierCode, trackingNumber)
	if v%7 == 3 {
		return nil, false, nil
	}

	code := int64(20)
	statusText := "In transit"
	switch {
	case v%5 == 0:
		code, statusText = 40, "Delivered"
	case v%5 == 1:
		code, statusText = 30, "Out for delivery"
	}

	eventTime := time.Unix(1735689600+int64(v%86400), 0).UTC() // deterministic per number

	payload := map[string]any{
		"number": trackingNumber,
		"track": map[string]any{
			"b": code,
			"z0": []map[string]any{
				{
					"z": statusText,
					"a": eventTime.Format("2006-01-02 15:04:05"),
					"c": fmt.Sprintf("Hub %d", v%9),
				},
			},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (f *Client) FetchBatch(ctx context.Context, items []provider.BatchItem) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))
	for _, it := range items {
		raw, ok, err := f.FetchOne(ctx, it.TrackingNumber, it.CarrierCode)
		if err != nil {
			return nil, err
		}
		if ok {
			out[it.TrackingNumber] = raw
		}
	}
	return out, nil
}

func mix(carrierCode, trackingNumber string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(trackingNumber))
	return h.Sum32()
}

package aftership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/pkg/errors"
)

// Client speaks an AfterShip-style per-shipment REST API: one tracking per
// request, carriers addressed by slug, api key in the "aftership-api-key"
// header. Carrier detection is a real server endpoint here, with the static
// pattern table as fallback.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api.aftership.com/v4"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// slugByCode translates the numeric detection codes into courier slugs.
// Unknown codes pass through unchanged so slugs returned by DetectCarriers
// keep working when fed back into Register and the fetchers.
var slugByCode = map[string]string{
	"2005":  "china-post",
	"2014":  "cainiao",
	"5":     "israel-post",
	"21051": "usps",
	"6":     "dhl",
	"2018":  "fedex",
	"21037": "ups",
}

func courierSlug(carrierCode string) string {
	if slug, ok := slugByCode[carrierCode]; ok {
		return slug
	}
	if carrierCode == "" || carrierCode == "0" {
		return "auto-detect"
	}
	return carrierCode
}

type meta struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (c *Client) DetectCarriers(ctx context.Context, trackingNumber string) ([]provider.CarrierCandidate, error) {
	payload := map[string]any{
		"tracking": map[string]string{"tracking_number": trackingNumber},
	}
	var r struct {
		Meta meta `json:"meta"`
		Data struct {
			Couriers []struct {
				Slug string `json:"slug"`
				Name string `json:"name"`
			} `json:"couriers"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/couriers/detect", payload, &r); err != nil {
		// Detection must always answer; fall back to the pattern table.
		return provider.FallbackCandidates(trackingNumber), nil
	}
	candidates := make([]provider.CarrierCandidate, 0, len(r.Data.Couriers))
	for _, cr := range r.Data.Couriers {
		if cr.Slug == "" {
			continue
		}
		candidates = append(candidates, provider.CarrierCandidate{Code: cr.Slug, Name: cr.Name})
	}
	if len(candidates) == 0 {
		return provider.FallbackCandidates(trackingNumber), nil
	}
	return candidates, nil
}

func (c *Client) Register(ctx context.Context, trackingNumber, carrierCode string) error {
	payload := map[string]any{
		"tracking": map[string]string{
			"tracking_number": trackingNumber,
			"slug":            courierSlug(carrierCode),
		},
	}
	var r struct {
		Meta meta `json:"meta"`
	}
	err := c.do(ctx, http.MethodPost, "/trackings", payload, &r)
	if err != nil {
		// 4003 is "tracking already exists", which for us is success.
		var ae *apiError
		if errors.As(err, &ae) && ae.code == 4003 {
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) FetchOne(ctx context.Context, trackingNumber, carrierCode string) (json.RawMessage, bool, error) {
	var r struct {
		Meta meta `json:"meta"`
		Data struct {
			Tracking json.RawMessage `json:"tracking"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/trackings/%s/%s", courierSlug(carrierCode), trackingNumber)
	err := c.do(ctx, http.MethodGet, path, nil, &r)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.status == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if len(r.Data.Tracking) == 0 {
		return nil, false, nil
	}
	return r.Data.Tracking, true, nil
}

// FetchBatch loops FetchOne because the API has no batch endpoint. A missing
// tracking is skipped; rate limiting or an unreachable host fails the whole
// batch.
func (c *Client) FetchBatch(ctx context.Context, items []provider.BatchItem) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))
	for _, it := range items {
		raw, ok, err := c.FetchOne(ctx, it.TrackingNumber, it.CarrierCode)
		if err != nil {
			if errors.Is(err, provider.ErrRateLimited) || errors.Is(err, provider.ErrProviderUnavailable) || errors.Is(err, provider.ErrNotConfigured) {
				return nil, err
			}
			continue
		}
		if ok {
			out[it.TrackingNumber] = raw
		}
	}
	return out, nil
}

// apiError carries the http status and the body meta code so callers can
// tell "not found" and "already exists" apart from real failures.
type apiError struct {
	status int
	code   int64
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("aftership http %d code %d: %s", e.status, e.code, e.msg)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if c.apiKey == "" {
		return errors.Wrap(provider.ErrNotConfigured, "aftership api key is empty")
	}

	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("aftership-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(provider.ErrProviderUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.Wrap(provider.ErrRateLimited, "aftership 429")
	}

	var probe struct {
		Meta meta `json:"meta"`
	}
	dec := json.NewDecoder(resp.Body)
	if resp.StatusCode/100 == 5 {
		return errors.Wrap(provider.ErrProviderUnavailable, fmt.Sprintf("aftership http %d", resp.StatusCode))
	}
	if resp.StatusCode/100 != 2 {
		_ = dec.Decode(&probe)
		return &apiError{status: resp.StatusCode, code: probe.Meta.Code, msg: probe.Meta.Message}
	}
	if out == nil {
		return nil
	}
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}
	return nil
}

package seventeentrack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/pkg/errors"
)

// Client speaks the 17TRACK-style batch JSON API: POST /register and
// POST /gettrackinfo with the api key in the "17token" header. There is no
// server-side carrier detection endpoint, so DetectCarriers goes straight
// to the static pattern table.
type Client struct {
	baseURL  string
	apiKey   string
	batchMax int
	httpc    *http.Client
}

func New(baseURL, apiKey string, batchMax int) *Client {
	if baseURL == "" {
		baseURL = "https://api.17track.net/track/v1"
	}
	if batchMax <= 0 {
		batchMax = 40
	}
	return &Client{
		baseURL:  baseURL,
		apiKey:   apiKey,
		batchMax: batchMax,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type reqItem struct {
	Number  string `json:"number"`
	Carrier int64  `json:"carrier"`
}

type apiResp struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Accepted []json.RawMessage `json:"accepted"`
		Rejected []struct {
			Number string `json:"number"`
			Error  struct {
				Code    int64  `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"rejected"`
	} `json:"data"`
}

func (c *Client) DetectCarriers(ctx context.Context, trackingNumber string) ([]provider.CarrierCandidate, error) {
	return provider.FallbackCandidates(trackingNumber), nil
}

func (c *Client) Register(ctx context.Context, trackingNumber, carrierCode string) error {
	r, err := c.post(ctx, "/register", []reqItem{{Number: trackingNumber, Carrier: carrierNum(carrierCode)}})
	if err != nil {
		return err
	}
	if r.Code != 0 {
		if alreadyRegistered(r.Message) {
			return nil
		}
		return errors.Wrapf(provider.ErrProviderUnavailable, "register code=%d message=%s", r.Code, r.Message)
	}
	for _, rej := range r.Data.Rejected {
		if rej.Number != trackingNumber {
			continue
		}
		// Re-registering an existing number comes back as a rejection;
		// for us that is success.
		if alreadyRegistered(rej.Error.Message) {
			return nil
		}
		return errors.Wrapf(provider.ErrMalformedPayload, "register rejected code=%d message=%s", rej.Error.Code, rej.Error.Message)
	}
	return nil
}

func (c *Client) FetchOne(ctx context.Context, trackingNumber, carrierCode string) (json.RawMessage, bool, error) {
	res, err := c.fetchChunk(ctx, []reqItem{{Number: trackingNumber, Carrier: carrierNum(carrierCode)}})
	if err != nil {
		return nil, false, err
	}
	raw, ok := res[trackingNumber]
	return raw, ok, nil
}

func (c *Client) FetchBatch(ctx context.Context, items []provider.BatchItem) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(items))
	for start := 0; start < len(items); start += c.batchMax {
		end := start + c.batchMax
		if end > len(items) {
			end = len(items)
		}
		chunk := make([]reqItem, 0, end-start)
		for _, it := range items[start:end] {
			chunk = append(chunk, reqItem{Number: it.TrackingNumber, Carrier: carrierNum(it.CarrierCode)})
		}
		res, err := c.fetchChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for num, raw := range res {
			out[num] = raw
		}
	}
	return out, nil
}

func (c *Client) fetchChunk(ctx context.Context, chunk []reqItem) (map[string]json.RawMessage, error) {
	r, err := c.post(ctx, "/gettrackinfo", chunk)
	if err != nil {
		return nil, err
	}
	if r.Code != 0 {
		return nil, errors.Wrapf(provider.ErrMalformedPayload, "gettrackinfo code=%d message=%s", r.Code, r.Message)
	}
	out := make(map[string]json.RawMessage, len(r.Data.Accepted))
	for _, item := range r.Data.Accepted {
		var head struct {
			Number string `json:"number"`
		}
		if json.Unmarshal(item, &head) != nil || head.Number == "" {
			continue
		}
		out[head.Number] = item
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*apiResp, error) {
	if c.apiKey == "" {
		return nil, errors.Wrap(provider.ErrNotConfigured, "17track api key is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("17token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(provider.ErrProviderUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.Wrap(provider.ErrRateLimited, "17track 429")
	}
	if resp.StatusCode/100 != 2 {
		return nil, errors.Wrap(provider.ErrProviderUnavailable, fmt.Sprintf("17track http %d", resp.StatusCode))
	}

	var r apiResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(provider.ErrMalformedPayload, err.Error())
	}
	return &r, nil
}

func carrierNum(code string) int64 {
	n, err := strconv.ParseInt(code, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func alreadyRegistered(msg string) bool {
	low := strings.ToLower(msg)
	return strings.Contains(low, "repeat") || strings.Contains(low, "already")
}

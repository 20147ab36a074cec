package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/optn/house-engine/internal/feed"
)

// HermesClient reads prices from a Pyth Hermes price service.
type HermesClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHermesClient creates a client for the Hermes API rooted at baseURL,
// e.g. "https://hermes.pyth.network".
func NewHermesClient(baseURL string) *HermesClient {
	return &HermesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// hermesUpdate is the body of /v2/updates/price/* with parsed=true.
type hermesUpdate struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// GetPriceNoOlderThan fetches the latest price of feedID and rejects it when
// it is older than maxAge at now.
func (c *HermesClient) GetPriceNoOlderThan(ctx context.Context, feedID string, now time.Time, maxAge time.Duration) (Price, error) {
	p, err := c.fetch(ctx, "/v2/updates/price/latest", feedID)
	if err != nil {
		return Price{}, err
	}
	if err := CheckAge(p, now, maxAge); err != nil {
		return Price{}, err
	}
	return p, nil
}

// GetPriceAt fetches the first price of feedID published at or after ts.
func (c *HermesClient) GetPriceAt(ctx context.Context, feedID string, ts time.Time) (Price, error) {
	return c.fetch(ctx, "/v2/updates/price/"+strconv.FormatInt(ts.Unix(), 10), feedID)
}

func (c *HermesClient) fetch(ctx context.Context, path, feedID string) (Price, error) {
	f, err := feed.Parse(feedID)
	if err != nil {
		return Price{}, err
	}

	params := url.Values{}
	params.Add("ids[]", f.Hex)
	params.Set("parsed", "true")

	body, err := c.doGet(ctx, path+"?"+params.Encode())
	if err != nil {
		return Price{}, fmt.Errorf("oracle/hermes: get %s: %w", f.Hex, err)
	}

	var upd hermesUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		return Price{}, fmt.Errorf("oracle/hermes: decode update: %w", err)
	}
	want := strings.TrimPrefix(f.Hex, "0x")
	for _, u := range upd.Parsed {
		if !strings.EqualFold(strings.TrimPrefix(u.ID, "0x"), want) {
			continue
		}
		raw, err := strconv.ParseInt(u.Price.Price, 10, 64)
		if err != nil {
			return Price{}, fmt.Errorf("oracle/hermes: parse price %q: %w", u.Price.Price, err)
		}
		return Price{Price: raw, Exponent: u.Price.Expo, PublishTime: u.Price.PublishTime}, nil
	}
	return Price{}, fmt.Errorf("%w: %s", ErrFeedNotFound, f.Hex)
}

func (c *HermesClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrFeedNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/mirrorbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITIONS CLIENT - Leader wallet holdings from the data API
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pages through GET /positions?user=&limit=&offset= until a short page or a
// duplicate key shows up. An unreachable endpoint is an error, never an empty
// book - treating it as empty would fabricate CLOSE signals upstream.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	positionsPageSize = 100
	fetchAttempts     = 4
	fetchBaseBackoff  = 1 * time.Second
	fetchMaxBackoff   = 10 * time.Second
)

type PositionsClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewPositionsClient(baseURL string) *PositionsClient {
	return &PositionsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// apiPosition mirrors one element of the data API's positions array.
type apiPosition struct {
	ConditionID  string  `json:"conditionId"`
	Asset        string  `json:"asset"`
	Outcome      string  `json:"outcome"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	CurPrice     float64 `json:"curPrice"`
	CurrentValue float64 `json:"currentValue"`
	Title        string  `json:"title"`
}

// FetchHoldings returns every current holding of one wallet.
func (c *PositionsClient) FetchHoldings(ctx context.Context, wallet string) ([]types.Holding, error) {
	var holdings []types.Holding
	seen := make(map[string]bool)

	for offset := 0; ; offset += positionsPageSize {
		page, err := c.fetchPage(ctx, wallet, offset)
		if err != nil {
			return nil, fmt.Errorf("positions page offset=%d: %w", offset, err)
		}

		duplicate := false
		for _, p := range page {
			h := types.Holding{
				MarketID:     p.ConditionID,
				TokenID:      p.Asset,
				Outcome:      p.Outcome,
				Title:        p.Title,
				Size:         decimal.NewFromFloat(p.Size),
				AvgPrice:     decimal.NewFromFloat(p.AvgPrice),
				CurrentValue: decimal.NewFromFloat(p.CurrentValue),
			}
			if seen[h.Key()] {
				// Some deployments loop the last page forever.
				duplicate = true
				break
			}
			seen[h.Key()] = true
			if h.Size.IsPositive() {
				holdings = append(holdings, h)
			}
		}

		if duplicate || len(page) < positionsPageSize {
			break
		}
	}

	return holdings, nil
}

// fetchPage retrieves one page with retry and backoff, honoring Retry-After
// hints on rate-limit responses.
func (c *PositionsClient) fetchPage(ctx context.Context, wallet string, offset int) ([]apiPosition, error) {
	endpoint := fmt.Sprintf("%s/positions?user=%s&limit=%d&offset=%d",
		c.baseURL, url.QueryEscape(wallet), positionsPageSize, offset)

	var lastErr error
	backoff := fetchBaseBackoff

	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > fetchMaxBackoff {
				backoff = fetchMaxBackoff
			}
		}

		page, retryAfter, err := c.doFetch(ctx, endpoint)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if retryAfter > 0 {
			backoff = retryAfter
		}
		log.Debug().Err(err).Str("wallet", wallet).Int("attempt", attempt+1).
			Msg("Positions fetch retry")
	}

	return nil, lastErr
}

func (c *PositionsClient) doFetch(ctx context.Context, endpoint string) ([]apiPosition, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, retryAfter, fmt.Errorf("rate limited (HTTP 429)")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode >= 400 {
		return nil, 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var page []apiPosition
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, 0, fmt.Errorf("parse positions: %w", err)
	}

	return page, 0, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

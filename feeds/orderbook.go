package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER BOOK - CLOB book read and fill estimation
// ═══════════════════════════════════════════════════════════════════════════════

// Level is one price level of the book.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook holds bid/ask levels for one token. Bids sorted best (highest)
// first, asks best (lowest) first.
type OrderBook struct {
	TokenID string
	Bids    []Level
	Asks    []Level
}

// BookWalk is the result of simulating a fill across the book.
type BookWalk struct {
	EffectivePrice decimal.Decimal // volume-weighted price over the walk
	FillableUsd    decimal.Decimal
	FullFill       bool
}

type BookClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewBookClient(baseURL string) *BookClient {
	return &BookClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type rawLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type rawBook struct {
	Bids []rawLevel `json:"bids"`
	Asks []rawLevel `json:"asks"`
}

// GetOrderBook fetches and normalizes the book for one token.
func (c *BookClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	endpoint := fmt.Sprintf("%s/book?token_id=%s", c.baseURL, url.QueryEscape(tokenID))

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var raw rawBook
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse book: %w", err)
	}

	book := &OrderBook{TokenID: tokenID}
	for _, l := range raw.Bids {
		if lvl, ok := parseLevel(l); ok {
			book.Bids = append(book.Bids, lvl)
		}
	}
	for _, l := range raw.Asks {
		if lvl, ok := parseLevel(l); ok {
			book.Asks = append(book.Asks, lvl)
		}
	}

	// The API does not guarantee ordering.
	sort.Slice(book.Bids, func(i, j int) bool {
		return book.Bids[i].Price.GreaterThan(book.Bids[j].Price)
	})
	sort.Slice(book.Asks, func(i, j int) bool {
		return book.Asks[i].Price.LessThan(book.Asks[j].Price)
	})

	return book, nil
}

func parseLevel(l rawLevel) (Level, bool) {
	price, err := decimal.NewFromString(l.Price)
	if err != nil {
		return Level{}, false
	}
	size, err := decimal.NewFromString(l.Size)
	if err != nil {
		return Level{}, false
	}
	return Level{Price: price, Size: size}, true
}

// WalkBook simulates filling amountUsd against the given side of the book.
// Buys walk asks upward, sells walk bids downward. The walk stops at maxDepth
// levels or once a level's price has slipped past slippagePct from the best
// price. The returned effective price is the volume-weighted average over the
// walked levels; the real fill price still comes from the order response.
func WalkBook(book *OrderBook, buy bool, amountUsd decimal.Decimal, maxDepth int, slippagePct decimal.Decimal) BookWalk {
	levels := book.Asks
	if !buy {
		levels = book.Bids
	}
	if len(levels) == 0 || !amountUsd.IsPositive() {
		return BookWalk{}
	}

	best := levels[0].Price
	remaining := amountUsd
	totalUsd := decimal.Zero
	totalTokens := decimal.Zero

	for i, lvl := range levels {
		if i >= maxDepth {
			break
		}

		// Cumulative slippage from the best price.
		var slip decimal.Decimal
		if buy {
			slip = lvl.Price.Sub(best)
		} else {
			slip = best.Sub(lvl.Price)
		}
		if best.IsPositive() && slip.Div(best).GreaterThan(slippagePct) {
			break
		}

		levelUsd := lvl.Price.Mul(lvl.Size)
		if levelUsd.GreaterThanOrEqual(remaining) {
			tokens := remaining.Div(lvl.Price)
			totalTokens = totalTokens.Add(tokens)
			totalUsd = totalUsd.Add(remaining)
			remaining = decimal.Zero
			break
		}

		totalTokens = totalTokens.Add(lvl.Size)
		totalUsd = totalUsd.Add(levelUsd)
		remaining = remaining.Sub(levelUsd)
	}

	walk := BookWalk{
		FillableUsd: totalUsd,
		FullFill:    remaining.IsZero(),
	}
	if totalTokens.IsPositive() {
		walk.EffectivePrice = totalUsd.Div(totalTokens)
	}
	return walk
}

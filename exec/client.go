package exec

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION CLIENT - Fill-or-kill orders against the CLOB
// ═══════════════════════════════════════════════════════════════════════════════
//
// A missing order id or malformed response is a failure, never an assumed
// fill. A phantom fill is worse than a dropped trade.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

type Client struct {
	baseURL    string
	privateKey *ecdsa.PrivateKey
	address    string
	apiKey     string
	apiSecret  string
	passphrase string
	dryRun     bool
	httpClient *http.Client
}

// OrderResult is the parsed response of a submitted order.
type OrderResult struct {
	OrderID string
	Status  string
	// Fill price reported by the exchange; zero when the response omits it,
	// in which case the caller falls back to its book-walk estimate.
	Price decimal.Decimal
}

type ClientOpts struct {
	BaseURL    string
	PrivateKey string // hex, optional in dry-run
	APIKey     string
	APISecret  string
	Passphrase string
	DryRun     bool
}

// NewClient creates a new execution client
func NewClient(opts ClientOpts) (*Client, error) {
	client := &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		passphrase: opts.Passphrase,
		dryRun:     opts.DryRun,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if opts.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(opts.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		client.privateKey = pk
		client.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	mode := "DRY RUN"
	if !client.dryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("address", client.address).
		Msg("🚀 Execution client initialized")

	return client, nil
}

// Address returns the signer address, empty in key-less dry-run.
func (c *Client) Address() string {
	return c.address
}

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// PlaceFOKOrder submits a fill-or-kill order for usdAmount of tokenID.
func (c *Client) PlaceFOKOrder(ctx context.Context, tokenID, side string, usdAmount decimal.Decimal) (*OrderResult, error) {
	if c.dryRun {
		orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
		log.Info().
			Str("order_id", orderID).
			Str("token", shortToken(tokenID)).
			Str("side", side).
			Str("usd", usdAmount.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return &OrderResult{OrderID: orderID, Status: "matched"}, nil
	}

	order := map[string]interface{}{
		"tokenID":       tokenID,
		"side":          side,
		"amount":        usdAmount.String(),
		"orderType":     "FOK",
		"expiration":    time.Now().Add(1 * time.Minute).Unix(),
		"nonce":         time.Now().UnixNano(),
		"feeRateBps":    "0",
		"signatureType": 2,
	}

	signature, err := c.signOrder(order)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	order["signature"] = signature

	resp, err := c.post(ctx, "/order", order)
	if err != nil {
		return nil, err
	}

	var result struct {
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Price   string `json:"price"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("API error: %s", result.Error)
	}
	if result.OrderID == "" {
		// Never assume a fill from a response we cannot account for.
		return nil, fmt.Errorf("order response missing order id (status=%q)", result.Status)
	}

	out := &OrderResult{OrderID: result.OrderID, Status: result.Status}
	if result.Price != "" {
		if p, err := decimal.NewFromString(result.Price); err == nil {
			out.Price = p
		}
	}

	log.Info().
		Str("order_id", out.OrderID).
		Str("status", out.Status).
		Str("side", side).
		Msg("✅ Order placed")

	return out, nil
}

func shortToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}

// ─── HTTP helpers ───────────────────────────────────────────────────────────────

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.doRequest(req)
}

func (c *Client) addHeaders(req *http.Request) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	if c.apiSecret != "" {
		message := timestamp + req.Method + req.URL.Path
		req.Header.Set("POLY_SIGNATURE", c.hmacSign(message))
	}
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
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
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// ─── Signing ────────────────────────────────────────────────────────────────────

func (c *Client) signOrder(order map[string]interface{}) (string, error) {
	if c.privateKey == nil {
		return "", fmt.Errorf("private key not loaded")
	}

	orderBytes, _ := json.Marshal(order)
	hash := crypto.Keccak256(orderBytes)

	sig, err := crypto.Sign(hash, c.privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}

func (c *Client) hmacSign(message string) string {
	hash := crypto.Keccak256([]byte(message + c.apiSecret))
	return hexutil.Encode(hash)
}

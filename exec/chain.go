package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAIN READER - USDC balance and allowance from Polygon
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// USDC contract address on Polygon
	usdcContractPolygon = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	// CTF Exchange - the spender our allowance must cover
	ctfExchangePolygon = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

	// Function selectors
	selBalanceOf = "0x70a08231"
	selAllowance = "0xdd62ed3e"

	usdcDecimals = 6
)

// ChainReader reads collateral state via eth_call, trying the primary RPC
// first and falling back through the alternates on failure.
type ChainReader struct {
	rpcs       []string
	httpClient *http.Client
}

func NewChainReader(rpcs []string) *ChainReader {
	return &ChainReader{
		rpcs:       rpcs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Balance returns the wallet's current USDC balance in dollars.
func (r *ChainReader) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	data := selBalanceOf + padAddress(wallet)
	raw, err := r.ethCall(ctx, usdcContractPolygon, data)
	if err != nil {
		return decimal.Zero, err
	}
	return fromUnits(raw), nil
}

// Allowance returns how much USDC the exchange may spend for the wallet.
func (r *ChainReader) Allowance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	data := selAllowance + padAddress(wallet) + padAddress(ctfExchangePolygon)
	raw, err := r.ethCall(ctx, usdcContractPolygon, data)
	if err != nil {
		return decimal.Zero, err
	}
	return fromUnits(raw), nil
}

func padAddress(addr string) string {
	return fmt.Sprintf("%064s", strings.TrimPrefix(strings.ToLower(common.HexToAddress(addr).Hex()), "0x"))
}

func fromUnits(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -usdcDecimals)
}

// ethCall runs one read-only call, falling back through the RPC list.
func (r *ChainReader) ethCall(ctx context.Context, to, data string) (*big.Int, error) {
	reqBody := fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_call","params":[{"to":"%s","data":"%s"},"latest"],"id":1}`, to, data)

	var lastErr error
	for i, rpc := range r.rpcs {
		result, err := r.callOne(ctx, rpc, reqBody)
		if err == nil {
			if i > 0 {
				log.Debug().Str("rpc", rpc).Msg("Chain read served by fallback RPC")
			}
			return result, nil
		}
		lastErr = err
		log.Debug().Err(err).Str("rpc", rpc).Msg("Chain read failed, trying next RPC")
	}

	return nil, fmt.Errorf("all %d RPC endpoints failed: %w", len(r.rpcs), lastErr)
}

func (r *ChainReader) callOne(ctx context.Context, rpc, reqBody string) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", rpc, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}

	hexVal := strings.TrimPrefix(rpcResp.Result, "0x")
	if hexVal == "" {
		return big.NewInt(0), nil
	}

	value, ok := new(big.Int).SetString(hexVal, 16)
	if !ok {
		return nil, fmt.Errorf("malformed result %q", rpcResp.Result)
	}
	return value, nil
}

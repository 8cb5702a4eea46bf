// Package dlmm binds the position gateway to a Meteora DLMM transaction
// service and a pool of Solana RPC endpoints. The transaction service wraps
// the official DLMM SDK and handles instruction building, signing and
// broadcast; this client submits requests to it and confirms the resulting
// signatures on-chain.
package dlmm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	solrpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/rs/zerolog"
	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/metrics"
	"github.com/wnt/compoundr/internal/rpc"
	"github.com/wnt/compoundr/internal/strategy"
	"github.com/wnt/compoundr/internal/utils"
)

const (
	confirmPollInterval = 2 * time.Second

	// rateLimitCooldown keeps a 429ing endpoint out of rotation long enough
	// for its quota window to reset
	rateLimitCooldown = 5 * time.Minute
)

// Client implements gateway.PositionGateway against the DLMM transaction
// service and Solana RPC.
type Client struct {
	api     *utils.HTTPClient
	pool    *rpc.Pool
	logger  zerolog.Logger
	confirm bool
}

// Option configures the Client.
type Option func(*Client)

// WithoutConfirmation disables on-chain signature confirmation after writes.
func WithoutConfirmation() Option {
	return func(c *Client) {
		c.confirm = false
	}
}

// NewClient creates a new DLMM gateway client
func NewClient(apiURL string, pool *rpc.Pool, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		api: utils.NewHTTPClient(
			utils.WithBaseURL(apiURL),
			utils.WithTimeout(timeout),
			utils.WithDefaultHeaders(map[string]string{
				"Content-Type": "application/json",
			}),
		),
		pool:    pool,
		logger:  logger.With().Str("component", "dlmm_gateway").Logger(),
		confirm: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// positionInfo mirrors the transaction service's position representation
type positionInfo struct {
	Address     string `json:"address"`
	PairAddress string `json:"pair_address"`
	Owner       string `json:"owner"`
	LowerBinID  int32  `json:"lower_bin_id"`
	UpperBinID  int32  `json:"upper_bin_id"`
	Strategy    string `json:"strategy"`
}

// pairInfo mirrors the transaction service's pair representation
type pairInfo struct {
	Address     string `json:"address"`
	ActiveBinID int32  `json:"active_bin_id"`
	BinStep     uint16 `json:"bin_step"`
}

// claimResponse is the result of a claim-fees request
type claimResponse struct {
	AmountX    uint64   `json:"amount_x"`
	AmountY    uint64   `json:"amount_y"`
	Signatures []string `json:"signatures"`
}

// addLiquidityRequest asks the service to build and send an add-liquidity
// transaction for an existing position
type addLiquidityRequest struct {
	PairAddress string `json:"pair_address"`
	Owner       string `json:"owner"`
	MinBinID    int32  `json:"min_bin_id"`
	MaxBinID    int32  `json:"max_bin_id"`
	Shape       string `json:"shape"`
	AmountX     uint64 `json:"amount_x"`
	AmountY     uint64 `json:"amount_y"`
	SwapOnEntry bool   `json:"swap_on_entry"`
}

type addLiquidityResponse struct {
	Signature string `json:"signature"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ListPositions enumerates a wallet's open positions via the transaction service
func (c *Client) ListPositions(ctx context.Context, owner string) ([]gateway.Position, error) {
	resp, err := c.api.Get(ctx, "/positions", map[string]string{"owner": owner})
	if err != nil {
		metrics.RecordGatewayRequest("list_positions", "failed")
		return nil, c.translate("list positions", err)
	}

	var infos []positionInfo
	if err := resp.DecodeJSON(&infos); err != nil {
		metrics.RecordGatewayRequest("list_positions", "failed")
		return nil, fmt.Errorf("%w: decoding positions: %v", gateway.ErrProtocol, err)
	}

	positions := make([]gateway.Position, 0, len(infos))
	for _, info := range infos {
		kind, err := strategy.ParseKind(info.Strategy)
		if err != nil {
			// Positions opened with an unknown strategy default to spot for
			// display; the cycle intent decides the actual reinvest shape.
			kind = strategy.Spot
		}
		positions = append(positions, gateway.Position{
			Address:     info.Address,
			PoolAddress: info.PairAddress,
			Owner:       info.Owner,
			LowerBin:    info.LowerBinID,
			UpperBin:    info.UpperBinID,
			Strategy:    kind,
		})
	}

	metrics.RecordGatewayRequest("list_positions", "success")
	return positions, nil
}

// Claim withdraws accrued swap fees from a position. A position with nothing
// to claim yields an empty ClaimResult.
func (c *Client) Claim(ctx context.Context, pos gateway.Position) (gateway.ClaimResult, error) {
	path := fmt.Sprintf("/position/%s/claim-fees", pos.Address)

	resp, err := c.api.Post(ctx, path, map[string]string{"owner": pos.Owner})
	if err != nil {
		metrics.RecordGatewayRequest("claim", "failed")
		return gateway.ClaimResult{}, c.translate("claim fees", err)
	}

	var claim claimResponse
	if err := resp.DecodeJSON(&claim); err != nil {
		metrics.RecordGatewayRequest("claim", "failed")
		return gateway.ClaimResult{}, fmt.Errorf("%w: decoding claim response: %v", gateway.ErrProtocol, err)
	}

	result := gateway.ClaimResult{
		AmountX: claim.AmountX,
		AmountY: claim.AmountY,
		TxRefs:  claim.Signatures,
	}

	if result.Empty() {
		metrics.RecordGatewayRequest("claim", "success")
		return result, nil
	}

	if c.confirm {
		if err := c.confirmSignatures(ctx, claim.Signatures); err != nil {
			metrics.RecordGatewayRequest("claim", "failed")
			return gateway.ClaimResult{}, err
		}
	}

	metrics.RecordGatewayRequest("claim", "success")
	c.logger.Debug().
		Str("position", pos.Address).
		Uint64("amount_x", result.AmountX).
		Uint64("amount_y", result.AmountY).
		Int("claim_txs", len(result.TxRefs)).
		Msg("Fees claimed")

	return result, nil
}

// GetActiveBin returns the pool's current active bin ID
func (c *Client) GetActiveBin(ctx context.Context, poolAddress string) (int32, error) {
	path := fmt.Sprintf("/pair/%s", poolAddress)

	resp, err := c.api.Get(ctx, path, nil)
	if err != nil {
		metrics.RecordGatewayRequest("active_bin", "failed")
		return 0, c.translate("get active bin", err)
	}

	var pair pairInfo
	if err := resp.DecodeJSON(&pair); err != nil {
		metrics.RecordGatewayRequest("active_bin", "failed")
		return 0, fmt.Errorf("%w: decoding pair info: %v", gateway.ErrProtocol, err)
	}

	metrics.RecordGatewayRequest("active_bin", "success")
	return pair.ActiveBinID, nil
}

// Reinvest deposits liquidity into a position following the allocation plan
func (c *Client) Reinvest(ctx context.Context, pos gateway.Position, plan strategy.Plan) (string, error) {
	path := fmt.Sprintf("/position/%s/add-liquidity", pos.Address)

	req := addLiquidityRequest{
		PairAddress: pos.PoolAddress,
		Owner:       pos.Owner,
		MinBinID:    plan.MinBin,
		MaxBinID:    plan.MaxBin,
		Shape:       string(plan.Shape),
		AmountX:     plan.AmountX,
		AmountY:     plan.AmountY,
		SwapOnEntry: plan.SwapOnEntry,
	}

	resp, err := c.api.Post(ctx, path, req)
	if err != nil {
		metrics.RecordGatewayRequest("reinvest", "failed")
		return "", c.translate("add liquidity", err)
	}

	var result addLiquidityResponse
	if err := resp.DecodeJSON(&result); err != nil {
		metrics.RecordGatewayRequest("reinvest", "failed")
		return "", fmt.Errorf("%w: decoding add-liquidity response: %v", gateway.ErrProtocol, err)
	}

	if c.confirm {
		if err := c.confirmSignatures(ctx, []string{result.Signature}); err != nil {
			metrics.RecordGatewayRequest("reinvest", "failed")
			return "", err
		}
	}

	metrics.RecordGatewayRequest("reinvest", "success")
	c.logger.Debug().
		Str("position", pos.Address).
		Str("signature", result.Signature).
		Int32("min_bin", plan.MinBin).
		Int32("max_bin", plan.MaxBin).
		Msg("Liquidity reinvested")

	return result.Signature, nil
}

// confirmSignatures waits until the given signatures are confirmed on-chain
func (c *Client) confirmSignatures(ctx context.Context, signatures []string) error {
	sigs := make([]solana.Signature, 0, len(signatures))
	for _, s := range signatures {
		sig, err := solana.SignatureFromBase58(s)
		if err != nil {
			return fmt.Errorf("%w: invalid signature %q: %v", gateway.ErrProtocol, s, err)
		}
		sigs = append(sigs, sig)
	}

	for {
		client, endpoint, err := c.pool.Client(ctx)
		if err != nil {
			return fmt.Errorf("%w: acquiring RPC client: %v", gateway.ErrConnectivity, err)
		}

		out, err := client.GetSignatureStatuses(ctx, true, sigs...)
		if err != nil {
			// Rate-limited endpoints recover on their own; cool them down
			// instead of benching them until a manual MarkHealthy
			if isRateLimited(err) {
				c.pool.SetCooldown(endpoint, rateLimitCooldown)
			} else {
				c.pool.MarkUnhealthy(endpoint)
			}
			return fmt.Errorf("%w: signature status from %s: %v", gateway.ErrConnectivity, endpoint, err)
		}
		c.pool.MarkHealthy(endpoint)

		confirmed := 0
		for _, status := range out.Value {
			if status == nil {
				continue
			}
			if status.Err != nil {
				raw, _ := json.Marshal(status.Err)
				return fmt.Errorf("%w: transaction failed on-chain: %s", gateway.ErrProtocol, raw)
			}
			if status.ConfirmationStatus == solrpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == solrpc.ConfirmationStatusFinalized {
				confirmed++
			}
		}

		if confirmed == len(sigs) {
			return nil
		}

		select {
		case <-time.After(confirmPollInterval):
		case <-ctx.Done():
			return fmt.Errorf("%w: confirmation timed out: %v", gateway.ErrConnectivity, ctx.Err())
		}
	}
}

// isRateLimited reports whether an RPC error is a quota rejection
func isRateLimited(err error) bool {
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests || httpErr.Code == http.StatusServiceUnavailable
	}
	return false
}

// translate maps transport-level failures onto the gateway error taxonomy
func (c *Client) translate(op string, err error) error {
	var httpErr *utils.Error
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden:
			return fmt.Errorf("%w: %s: %v", gateway.ErrAuth, op, err)
		case httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500:
			return fmt.Errorf("%w: %s: %v", gateway.ErrConnectivity, op, err)
		default:
			if apiErr := decodeAPIError(httpErr); apiErr != nil {
				if apiErr.Code == "insufficient_balance" {
					return fmt.Errorf("%w: %s: %s", gateway.ErrInsufficientBalance, op, apiErr.Message)
				}
				return fmt.Errorf("%w: %s: %s (%s)", gateway.ErrProtocol, op, apiErr.Message, apiErr.Code)
			}
			if httpErr.Response != nil {
				return fmt.Errorf("%w: %s: %v: %s", gateway.ErrProtocol, op, err, httpErr.Response.String())
			}
			return fmt.Errorf("%w: %s: %v", gateway.ErrProtocol, op, err)
		}
	}

	// Anything without an HTTP status is a network-level failure
	return fmt.Errorf("%w: %s: %v", gateway.ErrConnectivity, op, err)
}

func decodeAPIError(httpErr *utils.Error) *apiError {
	if httpErr.Response == nil || len(httpErr.Response.Body) == 0 {
		return nil
	}
	var apiErr apiError
	if err := json.Unmarshal(httpErr.Response.Body, &apiErr); err != nil {
		return nil
	}
	return &apiErr
}

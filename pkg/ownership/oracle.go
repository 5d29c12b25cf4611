// Package ownership answers whether a wallet holds a given SPL token mint.
package ownership

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/finitoshi/chibi/pkg/metrics"
	"github.com/finitoshi/chibi/pkg/wallet"
)

// TokenProgramID is the SPL Token program that owns fungible and NFT accounts.
const TokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// RPCRequest is a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// RPCError is a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Oracle queries a Solana RPC node.
type Oracle struct {
	rpcURL     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New creates an Oracle. A zero timeout defaults to 10s.
func New(rpcURL string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Oracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oracle{
		rpcURL:     rpcURL,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    m,
	}
}

// HasAsset reports whether wallet holds a token account for the asset mint.
// Any failure is logged and reported as not owned.
func (o *Oracle) HasAsset(ctx context.Context, walletAddr, asset string) bool {
	if asset == "" {
		return false
	}
	if !wallet.Valid(walletAddr) {
		o.logger.Warn("ownership check skipped: invalid wallet", zap.String("wallet", walletAddr))
		o.metrics.OwnershipCheck("invalid")
		return false
	}

	mints, err := o.TokenMints(ctx, walletAddr)
	if err != nil {
		o.logger.Error("ownership check failed",
			zap.String("wallet", walletAddr),
			zap.String("asset", asset),
			zap.Error(err),
		)
		o.metrics.OwnershipCheck("error")
		return false
	}

	for _, mint := range mints {
		if mint == asset {
			o.metrics.OwnershipCheck("owned")
			return true
		}
	}
	o.metrics.OwnershipCheck("not_owned")
	return false
}

// TokenMints lists the mints of every SPL token account owned by walletAddr.
func (o *Oracle) TokenMints(ctx context.Context, walletAddr string) ([]string, error) {
	result, err := o.call(ctx, "getTokenAccountsByOwner",
		walletAddr,
		map[string]string{"programId": TokenProgramID},
		map[string]string{"encoding": "jsonParsed"},
	)
	if err != nil {
		return nil, err
	}

	value := gjson.GetBytes(result, "value")
	if !value.IsArray() {
		return nil, fmt.Errorf("unexpected result shape")
	}
	var mints []string
	for _, m := range value.Get("#.account.data.parsed.info.mint").Array() {
		mints = append(mints, m.String())
	}
	return mints, nil
}

func (o *Oracle) call(ctx context.Context, method string, params ...any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(RPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("invalid json response")
	}

	if rpcErr := gjson.GetBytes(respBody, "error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return nil, &RPCError{
			Code:    int(rpcErr.Get("code").Int()),
			Message: rpcErr.Get("message").String(),
		}
	}
	result := gjson.GetBytes(respBody, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("response has no result")
	}
	return []byte(result.Raw), nil
}

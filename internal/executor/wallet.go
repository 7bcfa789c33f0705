package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"CryptoHub/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WalletExecutor submits swaps through the wallet boundary: the wallet
// service builds, confirms with the user, and broadcasts the
// transaction, then reports the hash. Latency is dominated by the user
// confirming — the caller's context carries the deadline.
type WalletExecutor struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewWalletExecutor(baseURL string) *WalletExecutor {
	return &WalletExecutor{
		baseURL: baseURL,
		// No client-level timeout: confirmation waits are unbounded and
		// the coordinator's context already carries the deadline.
		client: &http.Client{},
		log:    observability.NewLogger("wallet-executor"),
	}
}

type walletSwapRequest struct {
	SwapID      string `json:"swap_id"`
	UserID      string `json:"user_id"`
	FromAsset   string `json:"from_asset"`
	ToAsset     string `json:"to_asset"`
	FromAmount  string `json:"from_amount"`
	MinToAmount string `json:"min_to_amount"`
	SlippageBps int32  `json:"slippage_bps"`
}

type walletSwapResponse struct {
	TxHash   string `json:"tx_hash"`
	ToAmount string `json:"to_amount"`
	Fee      string `json:"fee"`
	Status   string `json:"status"` // "confirmed" | "rejected"
	Error    string `json:"error,omitempty"`
}

// Execute submits the swap and waits for user confirmation and the
// resulting transaction hash.
func (w *WalletExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(walletSwapRequest{
		SwapID:      req.SwapID.String(),
		UserID:      req.UserID.String(),
		FromAsset:   req.FromAsset,
		ToAsset:     req.ToAsset,
		FromAmount:  req.FromAmount.String(),
		MinToAmount: req.MinToAmount.String(),
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/swaps/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build swap request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	start := time.Now()
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("wallet call: %w", err)
	}
	defer resp.Body.Close()

	var out walletSwapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode wallet response: %w", err)
	}

	w.log.Debug().
		Str("swap_id", req.SwapID.String()).
		Str("status", out.Status).
		Dur("elapsed", time.Since(start)).
		Msg("wallet call returned")

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wallet call: status %d: %s", resp.StatusCode, out.Error)
	}

	if out.Status == "rejected" {
		return nil, ErrUserRejected
	}
	if out.TxHash == "" {
		return nil, fmt.Errorf("wallet call: confirmed without tx hash")
	}

	toAmount, err := decimal.NewFromString(out.ToAmount)
	if err != nil {
		return nil, fmt.Errorf("parse to_amount %q: %w", out.ToAmount, err)
	}
	fee := decimal.Zero
	if out.Fee != "" {
		fee, err = decimal.NewFromString(out.Fee)
		if err != nil {
			return nil, fmt.Errorf("parse fee %q: %w", out.Fee, err)
		}
	}

	return &Result{
		Reference: out.TxHash,
		ToAmount:  toAmount,
		Fee:       fee,
	}, nil
}

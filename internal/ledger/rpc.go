package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nexusans/escrowd/internal/metrics"
	"github.com/nexusans/escrowd/internal/retry"
)

// RPCGateway talks to a JSON-RPC node for receipts and to a custody signer
// service for outbound transfers.
type RPCGateway struct {
	rpcURL    string
	signerURL string
	client    *http.Client
	logger    *slog.Logger
}

// NewRPCGateway creates a gateway against the given RPC node and signer service.
func NewRPCGateway(rpcURL, signerURL string, logger *slog.Logger) *RPCGateway {
	return &RPCGateway{
		rpcURL:    strings.TrimRight(rpcURL, "/"),
		signerURL: strings.TrimRight(signerURL, "/"),
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (g *RPCGateway) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("rpc http status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

// getTransaction response, trimmed to the fields receipt verification needs.
type txResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err          any     `json:"err"`
		PreBalances  []int64 `json:"preBalances"`
		PostBalances []int64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// GetReceipt fetches and normalizes the receipt for a confirmed transaction.
func (g *RPCGateway) GetReceipt(ctx context.Context, signature string) (*Receipt, error) {
	var res *txResult
	err := g.call(ctx, "getTransaction", []any{
		signature,
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}, &res)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("getTransaction", "error").Inc()
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}
	if res == nil || res.Meta == nil {
		metrics.LedgerCallsTotal.WithLabelValues("getTransaction", "not_found").Inc()
		return nil, ErrReceiptNotFound
	}

	receipt := &Receipt{
		Signature: signature,
		Success:   res.Meta.Err == nil,
		Slot:      res.Slot,
		Deltas:    make(map[string]int64, len(res.Transaction.Message.AccountKeys)),
	}
	for i, key := range res.Transaction.Message.AccountKeys {
		if i < len(res.Meta.PreBalances) && i < len(res.Meta.PostBalances) {
			receipt.Deltas[key.Pubkey] = res.Meta.PostBalances[i] - res.Meta.PreBalances[i]
		}
	}

	metrics.LedgerCallsTotal.WithLabelValues("getTransaction", "ok").Inc()
	return receipt, nil
}

type transferRequest struct {
	To        string `json:"to"`
	Lamports  int64  `json:"lamports"`
	Reference string `json:"reference"`
}

type transferResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

// SubmitTransfer asks the custody signer to move lamports out of the vault,
// then waits for the transaction to confirm.
func (g *RPCGateway) SubmitTransfer(ctx context.Context, to string, lamports int64, reference string) (string, error) {
	if g.signerURL == "" {
		return "", fmt.Errorf("custody signer not configured")
	}

	body, err := json.Marshal(transferRequest{To: to, Lamports: lamports, Reference: reference})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.signerURL+"/transfer", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("submitTransfer", "error").Inc()
		return "", fmt.Errorf("submit transfer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("submitTransfer", "error").Inc()
		return "", fmt.Errorf("decode transfer response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || tr.Signature == "" {
		metrics.LedgerCallsTotal.WithLabelValues("submitTransfer", "error").Inc()
		if tr.Error != "" {
			return "", fmt.Errorf("signer rejected transfer: %s", tr.Error)
		}
		return "", fmt.Errorf("signer returned status %d", resp.StatusCode)
	}

	if err := g.awaitConfirmation(ctx, tr.Signature); err != nil {
		metrics.LedgerCallsTotal.WithLabelValues("submitTransfer", "unconfirmed").Inc()
		return tr.Signature, err
	}

	metrics.LedgerCallsTotal.WithLabelValues("submitTransfer", "ok").Inc()
	g.logger.Info("transfer confirmed", "signature", tr.Signature, "to", to, "lamports", lamports, "reference", reference)
	return tr.Signature, nil
}

type signatureStatus struct {
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

// awaitConfirmation polls getSignatureStatuses until the transaction reaches
// confirmed commitment or the bounded wait elapses.
func (g *RPCGateway) awaitConfirmation(ctx context.Context, signature string) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	return retry.Do(ctx, 8, 500*time.Millisecond, func() error {
		var res struct {
			Value []*signatureStatus `json:"value"`
		}
		if err := g.call(ctx, "getSignatureStatuses", []any{
			[]string{signature},
			map[string]any{"searchTransactionHistory": true},
		}, &res); err != nil {
			return err
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			return ErrNotConfirmed
		}
		st := res.Value[0]
		if st.Err != nil {
			return retry.Permanent(fmt.Errorf("transaction %s failed on chain", signature))
		}
		if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
			return nil
		}
		return ErrNotConfirmed
	})
}

// Compile-time assertion that RPCGateway implements Gateway.
var _ Gateway = (*RPCGateway)(nil)

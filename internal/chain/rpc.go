package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pelletbridge/internal/observability"
)

// RPCClient implements Client over JSON-RPC 2.0 HTTP, the protocol the
// ledger's public nodes speak. Safe for concurrent use; request ids
// are allocated atomically.
type RPCClient struct {
	url     string
	http    *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
	nextID  atomic.Int64
}

// NewRPCClient creates a ledger client for the given RPC endpoint.
// metrics may be nil (provisioning CLI).
func NewRPCClient(url string, log zerolog.Logger, metrics *observability.Metrics) *RPCClient {
	return &RPCClient{
		url:     url,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
		metrics: metrics,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	start := time.Now()
	if c.metrics != nil {
		c.metrics.ChainRequests.WithLabelValues(method).Inc()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.ChainErrors.WithLabelValues(method).Inc()
		}
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.ChainRPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}

	if resp.StatusCode != http.StatusOK {
		if c.metrics != nil {
			c.metrics.ChainErrors.WithLabelValues(method).Inc()
		}
		return fmt.Errorf("rpc %s: http %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		if c.metrics != nil {
			c.metrics.ChainErrors.WithLabelValues(method).Inc()
		}
		return fmt.Errorf("rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// LatestBlockhash implements Client.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (string, error) {
	var out struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &out); err != nil {
		return "", err
	}
	return out.Value.Blockhash, nil
}

// SubmitTransaction implements Client. The ledger returns the
// transaction signature once the transaction is accepted.
func (c *RPCClient) SubmitTransaction(ctx context.Context, tx *Transaction) (Signature, error) {
	b64, err := tx.EncodeBase64()
	if err != nil {
		return "", err
	}
	var sig Signature
	if err := c.call(ctx, "sendTransaction", []interface{}{b64}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// GetTransaction implements Client.
func (c *RPCClient) GetTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error) {
	var out *struct {
		Transaction struct {
			Message struct {
				Instructions []TransferInstruction `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	}
	if err := c.call(ctx, "getTransaction", []interface{}{string(sig)}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrTransactionNotFound
	}
	return &ParsedTransaction{
		Signature:    sig,
		Instructions: out.Transaction.Message.Instructions,
	}, nil
}

// GetBalance implements Client.
func (c *RPCClient) GetBalance(ctx context.Context, addr Address) (uint64, error) {
	var out struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{string(addr)}, &out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// TokenAccountExists implements Client.
func (c *RPCClient) TokenAccountExists(ctx context.Context, account Address) (bool, error) {
	var out struct {
		Value json.RawMessage `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", []interface{}{string(account)}, &out); err != nil {
		return false, err
	}
	return len(out.Value) > 0 && string(out.Value) != "null", nil
}

// EnsureTokenAccount implements Client. Creation is idempotent: a
// concurrent creator losing the race is fine, the derived address is
// the same either way.
func (c *RPCClient) EnsureTokenAccount(ctx context.Context, payer *Keypair, mint, owner Address) (Address, error) {
	account := TokenAccountAddress(mint, owner)

	exists, err := c.TokenAccountExists(ctx, account)
	if err != nil {
		return "", err
	}
	if exists {
		return account, nil
	}

	blockhash, err := c.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx := &Transaction{
		FeePayer:        payer.Address(),
		RecentBlockhash: blockhash,
		Instructions: []TransferInstruction{{
			Program:     "token",
			Type:        InstructionCreateAccount,
			Destination: account,
			Mint:        mint,
			Authority:   owner,
		}},
	}
	if err := tx.Sign(payer); err != nil {
		return "", err
	}
	if _, err := c.SubmitTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("create token account: %w", err)
	}

	c.log.Info().
		Str("account", string(account)).
		Str("owner", string(owner)).
		Msg("token account created")
	return account, nil
}

// RequestAirdrop implements Client.
func (c *RPCClient) RequestAirdrop(ctx context.Context, addr Address, amount uint64) (Signature, error) {
	var sig Signature
	if err := c.call(ctx, "requestAirdrop", []interface{}{string(addr), amount}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// CreateMint initializes a new token mint owned by authority. Used by
// the provisioning CLI only; live sessions never touch it.
func (c *RPCClient) CreateMint(ctx context.Context, authority *Keypair, decimals int) (Address, error) {
	mintKp, err := GenerateKeypair()
	if err != nil {
		return "", err
	}
	mint := mintKp.Address()

	blockhash, err := c.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx := &Transaction{
		FeePayer:        authority.Address(),
		RecentBlockhash: blockhash,
		Instructions: []TransferInstruction{{
			Program:   "token",
			Type:      InstructionInitializeMint,
			Mint:      mint,
			Authority: authority.Address(),
			Decimals:  decimals,
		}},
	}
	if err := tx.Sign(authority); err != nil {
		return "", err
	}
	if _, err := c.SubmitTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("create mint: %w", err)
	}
	return mint, nil
}

// MintTo mints raw token units to a token account. Provisioning only.
func (c *RPCClient) MintTo(ctx context.Context, authority *Keypair, mint, destination Address, amount uint64) error {
	blockhash, err := c.LatestBlockhash(ctx)
	if err != nil {
		return err
	}
	tx := &Transaction{
		FeePayer:        authority.Address(),
		RecentBlockhash: blockhash,
		Instructions: []TransferInstruction{{
			Program:     "token",
			Type:        InstructionMintTo,
			Mint:        mint,
			Destination: destination,
			Authority:   authority.Address(),
			Amount:      amount,
		}},
	}
	if err := tx.Sign(authority); err != nil {
		return err
	}
	if _, err := c.SubmitTransaction(ctx, tx); err != nil {
		return fmt.Errorf("mint to: %w", err)
	}
	return nil
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pelletbridge/internal/auditlog"
	"pelletbridge/internal/bridge"
	"pelletbridge/internal/chain"
	"pelletbridge/internal/config"
	"pelletbridge/internal/game"
	"pelletbridge/internal/server"
)

// memoryLedger is a minimal in-memory chain.Client for handler tests.
type memoryLedger struct {
	mu       sync.Mutex
	txs      map[chain.Signature]*chain.ParsedTransaction
	accounts map[chain.Address]bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		txs:      make(map[chain.Signature]*chain.ParsedTransaction),
		accounts: make(map[chain.Address]bool),
	}
}

func (m *memoryLedger) LatestBlockhash(ctx context.Context) (string, error) { return "hash", nil }

func (m *memoryLedger) SubmitTransaction(ctx context.Context, tx *chain.Transaction) (chain.Signature, error) {
	return tx.ID(), nil
}

func (m *memoryLedger) GetTransaction(ctx context.Context, sig chain.Signature) (*chain.ParsedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[sig]
	if !ok {
		return nil, chain.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *memoryLedger) GetBalance(ctx context.Context, addr chain.Address) (uint64, error) {
	return 0, nil
}

func (m *memoryLedger) TokenAccountExists(ctx context.Context, account chain.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[account], nil
}

func (m *memoryLedger) EnsureTokenAccount(ctx context.Context, payer *chain.Keypair, mint, owner chain.Address) (chain.Address, error) {
	account := chain.TokenAccountAddress(mint, owner)
	m.mu.Lock()
	m.accounts[account] = true
	m.mu.Unlock()
	return account, nil
}

func (m *memoryLedger) RequestAirdrop(ctx context.Context, addr chain.Address, amount uint64) (chain.Signature, error) {
	return "airdrop-sig", nil
}

type apiFixture struct {
	api      *server.API
	handler  http.Handler
	cfg      *config.Config
	registry *game.Registry
	hub      *server.Hub
	field    *game.PelletField
	ledger   *memoryLedger
	wallet   chain.Address
}

// newAPIFixture builds a fully configured API. With configured=false
// the bridge services are nil, as when the custodian key is missing.
func newAPIFixture(t *testing.T, configured bool) *apiFixture {
	t.Helper()

	custodian, err := chain.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate custodian: %v", err)
	}
	walletKp, err := chain.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate wallet: %v", err)
	}
	mintKp, err := chain.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate mint: %v", err)
	}

	cfg := &config.Config{
		Port:          3001,
		RPCURL:        config.DefaultRPCURL,
		TokenDecimals: 2,
		GamePerToken:  1,
		FeeBps:        250,
	}

	registry := game.NewRegistry(nil)
	hub := server.NewHub(registry, nil, zerolog.Nop())
	field := game.NewPelletField(registry, hub, nil, zerolog.Nop())
	hub.SetField(field)

	ledger := newMemoryLedger()

	var deposits *bridge.Deposits
	var withdrawals *bridge.Withdrawals
	if configured {
		cfg.Custodian = custodian
		cfg.Mint = mintKp.Address()
		cfg.TokenMint = string(mintKp.Address())

		sigs, err := auditlog.OpenSignatureStore(filepath.Join(t.TempDir(), "sigs.json"), nil, zerolog.Nop())
		if err != nil {
			t.Fatalf("open signature store: %v", err)
		}
		audit, err := auditlog.OpenWithdrawalLog(filepath.Join(t.TempDir(), "transactions.json"), nil, zerolog.Nop())
		if err != nil {
			t.Fatalf("open withdrawal log: %v", err)
		}

		deposits = bridge.NewDeposits(
			ledger, custodian, cfg.Mint, cfg.TokenDecimals, 1,
			registry, hub, sigs, nil, zerolog.Nop(),
		)
		withdrawals = bridge.NewWithdrawals(
			ledger, custodian, cfg.Mint, cfg.TokenDecimals, 1, 250,
			registry, hub, audit, nil, zerolog.Nop(),
		)
	}

	api := server.NewAPI(cfg, registry, hub, deposits, withdrawals, zerolog.Nop())
	return &apiFixture{
		api:      api,
		handler:  api.Handler(),
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		field:    field,
		ledger:   ledger,
		wallet:   walletKp.Address(),
	}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func wantError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Errorf("status: got %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if got := decodeBody(t, rec)["error"]; got != code {
		t.Errorf("error code: got %v, want %q", got, code)
	}
}

// --- /config ---

func TestConfigEndpoint_NeverExposesSecrets(t *testing.T) {
	fx := newAPIFixture(t, true)

	rec := fx.do(t, http.MethodGet, "/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	body := decodeBody(t, rec)
	if body["custodianPublicAddress"] != string(fx.cfg.Custodian.Address()) {
		t.Errorf("custodian address: got %v, want %s", body["custodianPublicAddress"], fx.cfg.Custodian.Address())
	}
	if body["tokenMint"] != string(fx.cfg.Mint) {
		t.Errorf("mint: got %v, want %s", body["tokenMint"], fx.cfg.Mint)
	}

	if strings.Contains(rec.Body.String(), "secret") ||
		strings.Contains(rec.Body.String(), fx.cfg.Custodian.SecretJSON()) {
		t.Error("response must not carry secret key material")
	}
}

func TestConfigEndpoint_Unconfigured(t *testing.T) {
	fx := newAPIFixture(t, false)

	body := decodeBody(t, fx.do(t, http.MethodGet, "/config", nil))
	if body["tokenMint"] != nil {
		t.Errorf("mint: got %v, want null", body["tokenMint"])
	}
	if body["custodianPublicAddress"] != nil {
		t.Errorf("custodian: got %v, want null", body["custodianPublicAddress"])
	}
	if body["rpcUrl"] != config.DefaultRPCURL {
		t.Errorf("rpc url: got %v, want %q", body["rpcUrl"], config.DefaultRPCURL)
	}
}

func TestCORSPreflight(t *testing.T) {
	fx := newAPIFixture(t, false)

	rec := fx.do(t, http.MethodOptions, "/deposit-intent", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status: got %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("preflight should allow all origins")
	}
}

// --- /deposit-intent ---

func TestDepositIntent_MissingFields(t *testing.T) {
	fx := newAPIFixture(t, true)

	wantError(t, fx.do(t, http.MethodPost, "/deposit-intent", map[string]interface{}{"amount": 5}), http.StatusBadRequest, "missing-fields")
	wantError(t, fx.do(t, http.MethodPost, "/deposit-intent", map[string]interface{}{"wallet": "W"}), http.StatusBadRequest, "missing-fields")
}

func TestDepositIntent_NotConfigured(t *testing.T) {
	fx := newAPIFixture(t, false)

	rec := fx.do(t, http.MethodPost, "/deposit-intent", map[string]interface{}{"wallet": string(fx.wallet), "amount": 5})
	wantError(t, rec, http.StatusInternalServerError, "server-not-configured")
}

func TestDepositIntent_ReturnsEncodedTransaction(t *testing.T) {
	fx := newAPIFixture(t, true)

	rec := fx.do(t, http.MethodPost, "/deposit-intent", map[string]interface{}{"wallet": string(fx.wallet), "amount": 5})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	b64, _ := body["tx"].(string)
	tx, err := chain.DecodeTransaction(b64)
	if err != nil {
		t.Fatalf("returned tx should decode: %v", err)
	}
	if tx.FeePayer != fx.wallet {
		t.Errorf("fee payer: got %s, want %s", tx.FeePayer, fx.wallet)
	}
}

// --- /deposit-confirm ---

func TestDepositConfirm_InvalidSession(t *testing.T) {
	fx := newAPIFixture(t, true)

	rec := fx.do(t, http.MethodPost, "/deposit-confirm", map[string]interface{}{
		"sessionId": uuid.NewString(),
		"wallet":    string(fx.wallet),
		"amount":    5,
		"signature": "sig-1",
	})
	wantError(t, rec, http.StatusBadRequest, "invalid-socket")
}

func TestDepositConfirm_MissingSignature(t *testing.T) {
	fx := newAPIFixture(t, true)
	session := fx.registry.Connect()

	rec := fx.do(t, http.MethodPost, "/deposit-confirm", map[string]interface{}{
		"sessionId": session.String(),
		"wallet":    string(fx.wallet),
		"amount":    5,
	})
	wantError(t, rec, http.StatusBadRequest, "missing-fields")
}

func TestDepositConfirm_CreditsVerifiedDeposit(t *testing.T) {
	fx := newAPIFixture(t, true)
	session := fx.registry.Connect()

	raw, err := chain.RawAmount(5, fx.cfg.TokenDecimals)
	if err != nil {
		t.Fatalf("raw amount: %v", err)
	}
	fx.ledger.mu.Lock()
	fx.ledger.txs["sig-1"] = &chain.ParsedTransaction{
		Signature: "sig-1",
		Instructions: []chain.TransferInstruction{{
			Program:     "token",
			Type:        chain.InstructionTransfer,
			Source:      chain.TokenAccountAddress(fx.cfg.Mint, fx.wallet),
			Destination: chain.TokenAccountAddress(fx.cfg.Mint, fx.cfg.Custodian.Address()),
			Mint:        fx.cfg.Mint,
			Amount:      raw,
		}},
	}
	fx.ledger.mu.Unlock()

	payload := map[string]interface{}{
		"sessionId": session.String(),
		"wallet":    string(fx.wallet),
		"amount":    5,
		"signature": "sig-1",
	}
	rec := fx.do(t, http.MethodPost, "/deposit-confirm", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["credited"]; got != float64(5) {
		t.Errorf("credited: got %v, want 5", got)
	}

	// Replaying the same signature is rejected and credits nothing.
	rec = fx.do(t, http.MethodPost, "/deposit-confirm", payload)
	wantError(t, rec, http.StatusBadRequest, "invalid-signature")

	balance, _ := fx.registry.Balance(session)
	if balance != 5 {
		t.Errorf("balance after replay: got %d, want 5", balance)
	}
}

func TestDepositConfirm_UnverifiedSignature(t *testing.T) {
	fx := newAPIFixture(t, true)
	session := fx.registry.Connect()

	rec := fx.do(t, http.MethodPost, "/deposit-confirm", map[string]interface{}{
		"sessionId": session.String(),
		"wallet":    string(fx.wallet),
		"amount":    5,
		"signature": "never-landed",
	})
	wantError(t, rec, http.StatusBadRequest, "invalid-signature")
}

// --- /withdraw ---

func TestWithdraw_InvalidSession(t *testing.T) {
	fx := newAPIFixture(t, true)

	rec := fx.do(t, http.MethodPost, "/withdraw", map[string]interface{}{
		"sessionId": uuid.NewString(),
		"wallet":    string(fx.wallet),
	})
	wantError(t, rec, http.StatusBadRequest, "invalid-socket")
}

func TestWithdraw_MissingWallet(t *testing.T) {
	fx := newAPIFixture(t, true)
	session := fx.registry.Connect()

	rec := fx.do(t, http.MethodPost, "/withdraw", map[string]interface{}{
		"sessionId": session.String(),
	})
	wantError(t, rec, http.StatusBadRequest, "missing-wallet")
}

func TestWithdraw_NotConfigured(t *testing.T) {
	fx := newAPIFixture(t, false)
	session := fx.registry.Connect()

	rec := fx.do(t, http.MethodPost, "/withdraw", map[string]interface{}{
		"sessionId": session.String(),
		"wallet":    string(fx.wallet),
	})
	wantError(t, rec, http.StatusInternalServerError, "server-not-configured")
}

func TestWithdraw_NoBalance(t *testing.T) {
	fx := newAPIFixture(t, true)
	session := fx.registry.Connect()

	rec := fx.do(t, http.MethodPost, "/withdraw", map[string]interface{}{
		"sessionId": session.String(),
		"wallet":    string(fx.wallet),
	})
	wantError(t, rec, http.StatusBadRequest, "no-balance")
}

func TestWithdraw_SettlesBalance(t *testing.T) {
	fx := newAPIFixture(t, true)
	session := fx.registry.Connect()
	fx.registry.Credit(session, 1000)

	rec := fx.do(t, http.MethodPost, "/withdraw", map[string]interface{}{
		"sessionId": session.String(),
		"wallet":    string(fx.wallet),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["tokens"] != float64(975) {
		t.Errorf("tokens: got %v, want 975", body["tokens"])
	}
	if sig, _ := body["signature"].(string); sig == "" {
		t.Error("settled withdrawal should return a signature")
	}

	balance, _ := fx.registry.Balance(session)
	if balance != 0 {
		t.Errorf("balance: got %d, want 0", balance)
	}
}

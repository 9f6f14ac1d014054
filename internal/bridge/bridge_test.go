package bridge_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pelletbridge/internal/auditlog"
	"pelletbridge/internal/chain"
	"pelletbridge/internal/game"
)

// fakeLedger is an in-memory chain.Client. Token accounts spring into
// existence on EnsureTokenAccount; GetTransaction serves whatever the
// test planted.
type fakeLedger struct {
	mu        sync.Mutex
	txs       map[chain.Signature]*chain.ParsedTransaction
	accounts  map[chain.Address]bool
	fetchErr  error
	submitErr error
	submitted int
	onSubmit  func()
	calls     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txs:      make(map[chain.Signature]*chain.ParsedTransaction),
		accounts: make(map[chain.Address]bool),
	}
}

func (f *fakeLedger) LatestBlockhash(ctx context.Context) (string, error) {
	f.count()
	return "blockhash-test", nil
}

func (f *fakeLedger) SubmitTransaction(ctx context.Context, tx *chain.Transaction) (chain.Signature, error) {
	f.count()
	f.mu.Lock()
	err := f.submitErr
	hook := f.onSubmit
	if err == nil {
		f.submitted++
	}
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if hook != nil {
		hook()
	}
	return tx.ID(), nil
}

func (f *fakeLedger) GetTransaction(ctx context.Context, sig chain.Signature) (*chain.ParsedTransaction, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	tx, ok := f.txs[sig]
	if !ok {
		return nil, chain.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fakeLedger) GetBalance(ctx context.Context, addr chain.Address) (uint64, error) {
	f.count()
	return 0, nil
}

func (f *fakeLedger) TokenAccountExists(ctx context.Context, account chain.Address) (bool, error) {
	f.count()
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[account], nil
}

func (f *fakeLedger) EnsureTokenAccount(ctx context.Context, payer *chain.Keypair, mint, owner chain.Address) (chain.Address, error) {
	f.count()
	account := chain.TokenAccountAddress(mint, owner)
	f.mu.Lock()
	f.accounts[account] = true
	f.mu.Unlock()
	return account, nil
}

func (f *fakeLedger) RequestAirdrop(ctx context.Context, addr chain.Address, amount uint64) (chain.Signature, error) {
	f.count()
	return "airdrop-sig", nil
}

func (f *fakeLedger) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// plantTransfer records a confirmed transfer of amountUi (scaled by
// decimals) from wallet's token account to the custodian's, keyed by
// sig.
func (f *fakeLedger) plantTransfer(sig chain.Signature, mint, wallet, custodian chain.Address, amountUi int64, decimals int) {
	raw, err := chain.RawAmount(amountUi, decimals)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[sig] = &chain.ParsedTransaction{
		Signature: sig,
		Instructions: []chain.TransferInstruction{{
			Program:     "token",
			Type:        chain.InstructionTransfer,
			Source:      chain.TokenAccountAddress(mint, wallet),
			Destination: chain.TokenAccountAddress(mint, custodian),
			Mint:        mint,
			Authority:   wallet,
			Amount:      raw,
		}},
	}
}

// stubNotifier records balance notifications; broadcasts are ignored.
type stubNotifier struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{balances: make(map[uuid.UUID]int64)}
}

func (n *stubNotifier) NotifyBalance(id uuid.UUID, balance int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[id] = balance
}

func (n *stubNotifier) notified(id uuid.UUID) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.balances[id]
	return b, ok
}

func (n *stubNotifier) BroadcastPelletsAdded(pellets []game.Pellet) {}
func (n *stubNotifier) BroadcastPelletsRemoved(ids []string)       {}

func newSignatureStore(t *testing.T) *auditlog.SignatureStore {
	t.Helper()
	s, err := auditlog.OpenSignatureStore(filepath.Join(t.TempDir(), "sigs.json"), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("open signature store: %v", err)
	}
	return s
}

func newWithdrawalLog(t *testing.T) *auditlog.WithdrawalLog {
	t.Helper()
	l, err := auditlog.OpenWithdrawalLog(filepath.Join(t.TempDir(), "transactions.json"), nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("open withdrawal log: %v", err)
	}
	return l
}

func mustKeypair(t *testing.T) *chain.Keypair {
	t.Helper()
	kp, err := chain.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

package chain

import (
	"context"
	"errors"
)

// ErrTransactionNotFound is returned by GetTransaction when the ledger
// has no record of the signature (not yet confirmed, or never existed).
var ErrTransactionNotFound = errors.New("transaction not found")

// ParsedTransaction is a confirmed transaction as reported by the
// ledger, reduced to the instructions deposit verification scans.
type ParsedTransaction struct {
	Signature    Signature
	Instructions []TransferInstruction
}

// Client is the narrow asynchronous interface the bridge holds on the
// external ledger. Everything else about the chain is the ledger's
// business.
type Client interface {
	// LatestBlockhash returns the recent blockhash new transactions
	// must reference.
	LatestBlockhash(ctx context.Context) (string, error)

	// SubmitTransaction sends a signed transaction and waits for the
	// ledger to accept it.
	SubmitTransaction(ctx context.Context, tx *Transaction) (Signature, error)

	// GetTransaction fetches a confirmed transaction by signature.
	GetTransaction(ctx context.Context, sig Signature) (*ParsedTransaction, error)

	// GetBalance returns the native balance of an address.
	GetBalance(ctx context.Context, addr Address) (uint64, error)

	// TokenAccountExists reports whether a token account is live.
	TokenAccountExists(ctx context.Context, account Address) (bool, error)

	// EnsureTokenAccount resolves the token account for (mint, owner),
	// creating it with payer's funds when absent.
	EnsureTokenAccount(ctx context.Context, payer *Keypair, mint, owner Address) (Address, error)

	// RequestAirdrop asks a test network for native funds.
	RequestAirdrop(ctx context.Context, addr Address, amount uint64) (Signature, error)
}

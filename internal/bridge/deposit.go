// Package bridge keeps the in-memory game economy consistent with the
// external ledger: deposits credit a session balance only after the
// referenced transfer is verified on chain, withdrawals zero it only
// after the payout transfer is accepted.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pelletbridge/internal/auditlog"
	"pelletbridge/internal/chain"
	"pelletbridge/internal/game"
	"pelletbridge/internal/observability"
)

var (
	// ErrInvalidAmount reports a non-positive deposit amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidSignature reports a confirmation whose referenced
	// transaction could not be verified as the expected transfer.
	// Ledger fetch errors land here too: unverifiable is unverified.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrDuplicateSignature reports a replayed deposit signature.
	ErrDuplicateSignature = errors.New("signature already consumed")
)

// Deposits runs the two-phase deposit pipeline: Intent builds an
// unsigned transfer for the wallet to sign, Confirm verifies the
// signed transaction against the ledger before crediting.
type Deposits struct {
	client    chain.Client
	custodian *chain.Keypair
	mint      chain.Address
	decimals  int
	factor    float64

	registry *game.Registry
	notifier game.Notifier
	sigs     *auditlog.SignatureStore
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// NewDeposits wires the deposit pipeline. factor is the
// game-units-per-token conversion factor, clamped positive by config.
func NewDeposits(
	client chain.Client,
	custodian *chain.Keypair,
	mint chain.Address,
	decimals int,
	factor float64,
	registry *game.Registry,
	notifier game.Notifier,
	sigs *auditlog.SignatureStore,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Deposits {
	return &Deposits{
		client:    client,
		custodian: custodian,
		mint:      mint,
		decimals:  decimals,
		factor:    factor,
		registry:  registry,
		notifier:  notifier,
		sigs:      sigs,
		metrics:   metrics,
		log:       log,
	}
}

// Intent builds an unsigned transfer of amountUi tokens from wallet to
// the custodian, with wallet as fee payer, and returns it base64
// encoded for external signing. Pure with respect to session and
// pellet state.
func (d *Deposits) Intent(ctx context.Context, wallet chain.Address, amountUi int64) (string, error) {
	if amountUi <= 0 {
		return "", ErrInvalidAmount
	}

	custodianAccount, err := d.client.EnsureTokenAccount(ctx, d.custodian, d.mint, d.custodian.Address())
	if err != nil {
		d.countIntent("failed")
		return "", fmt.Errorf("ensure custodian token account: %w", err)
	}

	senderAccount := chain.TokenAccountAddress(d.mint, wallet)
	exists, err := d.client.TokenAccountExists(ctx, senderAccount)
	if err != nil {
		d.countIntent("failed")
		return "", fmt.Errorf("check sender token account: %w", err)
	}

	raw, err := chain.RawAmount(amountUi, d.decimals)
	if err != nil {
		d.countIntent("failed")
		return "", fmt.Errorf("scale amount: %w", err)
	}

	blockhash, err := d.client.LatestBlockhash(ctx)
	if err != nil {
		d.countIntent("failed")
		return "", fmt.Errorf("fetch blockhash: %w", err)
	}

	tx := &chain.Transaction{
		FeePayer:        wallet,
		RecentBlockhash: blockhash,
	}
	if !exists {
		// The wallet pays for its own token account.
		tx.Instructions = append(tx.Instructions, chain.TransferInstruction{
			Program:     "token",
			Type:        chain.InstructionCreateAccount,
			Destination: senderAccount,
			Mint:        d.mint,
			Authority:   wallet,
		})
	}
	tx.Instructions = append(tx.Instructions, chain.TransferInstruction{
		Program:     "token",
		Type:        chain.InstructionTransfer,
		Source:      senderAccount,
		Destination: custodianAccount,
		Mint:        d.mint,
		Authority:   wallet,
		Amount:      raw,
	})

	b64, err := tx.EncodeBase64()
	if err != nil {
		d.countIntent("failed")
		return "", err
	}
	d.countIntent("ok")
	return b64, nil
}

// Confirm verifies a client-submitted signed transaction against the
// ledger and credits the session on success. A signature credits at
// most once, including under concurrent confirmations and across
// restarts. Any ambiguity (missing transaction, fetch error, wrong
// accounts or amount) fails closed with no mutation.
func (d *Deposits) Confirm(ctx context.Context, sessionID uuid.UUID, wallet chain.Address, amountUi int64, sig chain.Signature) (int64, error) {
	if amountUi <= 0 {
		return 0, ErrInvalidAmount
	}

	if !d.sigs.Reserve(sig) {
		if d.metrics != nil {
			d.metrics.DepositDuplicates.Inc()
		}
		return 0, ErrDuplicateSignature
	}

	start := time.Now()
	verified := d.verify(ctx, wallet, amountUi, sig)
	if d.metrics != nil {
		d.metrics.DepositVerification.Observe(time.Since(start).Seconds())
	}
	if !verified {
		d.sigs.Release(sig)
		d.countReject("not-verified")
		return 0, ErrInvalidSignature
	}

	credit := int64(math.Floor(float64(amountUi) * d.factor))
	balance, ok := d.registry.Credit(sessionID, credit)
	if !ok {
		// Session vanished between the HTTP check and here. Nothing
		// was credited, so the signature stays unconsumed and the
		// wallet can retry from a live session.
		d.sigs.Release(sig)
		d.countReject("session-gone")
		return 0, game.ErrUnknownSession
	}

	if err := d.sigs.Commit(sig); err != nil {
		d.log.Error().Err(err).Str("signature", string(sig)).Msg("consumed signature not durable")
	}

	if d.metrics != nil {
		d.metrics.DepositsConfirmed.Inc()
		d.metrics.DepositCreditTotal.Add(float64(credit))
	}
	d.log.Info().
		Str("wallet", string(wallet)).
		Str("signature", string(sig)).
		Int64("credited", credit).
		Msg("deposit confirmed")

	d.notifier.NotifyBalance(sessionID, balance)
	return credit, nil
}

// verify checks that the referenced transaction moves exactly the
// expected raw amount from the sender's token account to the
// custodian's for the configured mint.
func (d *Deposits) verify(ctx context.Context, wallet chain.Address, amountUi int64, sig chain.Signature) bool {
	tx, err := d.client.GetTransaction(ctx, sig)
	if err != nil {
		d.log.Debug().Err(err).Str("signature", string(sig)).Msg("deposit verification fetch failed")
		return false
	}

	senderAccount := chain.TokenAccountAddress(d.mint, wallet)
	custodianAccount := chain.TokenAccountAddress(d.mint, d.custodian.Address())
	wantRaw, err := chain.RawAmount(amountUi, d.decimals)
	if err != nil {
		d.log.Debug().Err(err).Str("signature", string(sig)).Msg("deposit amount not representable")
		return false
	}

	for _, ix := range tx.Instructions {
		if ix.Type != chain.InstructionTransfer && ix.Type != chain.InstructionTransferChecked {
			continue
		}
		if ix.Source != senderAccount || ix.Destination != custodianAccount {
			continue
		}
		if ix.Mint != "" && ix.Mint != d.mint {
			continue
		}
		if ix.Amount == wantRaw {
			return true
		}
	}
	return false
}

func (d *Deposits) countIntent(status string) {
	if d.metrics != nil {
		d.metrics.DepositIntents.WithLabelValues(status).Inc()
	}
}

func (d *Deposits) countReject(reason string) {
	if d.metrics != nil {
		d.metrics.DepositsRejected.WithLabelValues(reason).Inc()
	}
}

package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pelletbridge/internal/auditlog"
	"pelletbridge/internal/chain"
	"pelletbridge/internal/game"
	"pelletbridge/internal/observability"
)

var (
	// ErrTooSmall reports a net payout that rounds to zero tokens.
	ErrTooSmall = errors.New("amount too small after fee")

	// ErrSubmitFailed reports a ledger submission failure. The session
	// balance is untouched; the caller may retry.
	ErrSubmitFailed = errors.New("withdrawal submission failed")
)

// Withdrawals settles game balances into ledger tokens from custodial
// funds. Settlement is serialized per session: the registry's
// in-flight claim makes a second concurrent withdrawal fail instead of
// paying out twice.
type Withdrawals struct {
	client    chain.Client
	custodian *chain.Keypair
	mint      chain.Address
	decimals  int
	factor    float64
	feeBps    int

	registry *game.Registry
	notifier game.Notifier
	audit    *auditlog.WithdrawalLog
	metrics  *observability.Metrics
	log      zerolog.Logger

	now func() time.Time
}

// NewWithdrawals wires withdrawal settlement.
func NewWithdrawals(
	client chain.Client,
	custodian *chain.Keypair,
	mint chain.Address,
	decimals int,
	factor float64,
	feeBps int,
	registry *game.Registry,
	notifier game.Notifier,
	audit *auditlog.WithdrawalLog,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Withdrawals {
	return &Withdrawals{
		client:    client,
		custodian: custodian,
		mint:      mint,
		decimals:  decimals,
		factor:    factor,
		feeBps:    feeBps,
		registry:  registry,
		notifier:  notifier,
		audit:     audit,
		metrics:   metrics,
		log:       log,
		now:       time.Now,
	}
}

// FeeFor computes the fee retained from a gross balance:
// floor(gross * feeBps / 10000).
func (w *Withdrawals) FeeFor(gross int64) int64 {
	return gross * int64(w.feeBps) / 10000
}

// Withdraw converts sessionID's entire game balance into a token
// transfer to wallet. The local balance is mutated only after the
// ledger has accepted the submission; on any failure before that the
// balance is exactly as it was.
func (w *Withdrawals) Withdraw(ctx context.Context, sessionID uuid.UUID, wallet chain.Address) (chain.Signature, int64, error) {
	gross, err := w.registry.BeginWithdrawal(sessionID)
	if err != nil {
		w.countReject(rejectReason(err))
		return "", 0, err
	}

	fee := w.FeeFor(gross)
	net := gross - fee
	tokensUi := int64(math.Floor(float64(net) / w.factor))
	if tokensUi <= 0 {
		w.registry.FinishWithdrawal(sessionID, false)
		w.countReject("too-small")
		return "", 0, ErrTooSmall
	}

	sig, rawAmount, err := w.settle(ctx, wallet, tokensUi)
	if err != nil {
		// No external mutation confirmed: release the claim and leave
		// the balance for a retry.
		w.registry.FinishWithdrawal(sessionID, false)
		w.countReject("submit-failed")
		w.log.Warn().Err(err).Str("wallet", string(wallet)).Msg("withdrawal submission failed")
		return "", 0, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	// Ledger accepted. The audit entry is the durable record of the
	// settlement; it is written before the ephemeral balance moves.
	if err := w.audit.Append(auditlog.WithdrawalEntry{
		Wallet:      string(wallet),
		TxSignature: string(sig),
		Amount:      tokensUi,
		AmountRaw:   strconv.FormatUint(rawAmount, 10),
		Fee:         fee,
		Timestamp:   w.now().UnixMilli(),
	}); err != nil {
		w.log.Error().Err(err).Str("signature", string(sig)).Msg("audit append failed after settlement")
	}

	balance, live := w.registry.FinishWithdrawal(sessionID, true)
	if live {
		w.notifier.NotifyBalance(sessionID, balance)
	}
	// A session that disconnected mid-settlement just misses the
	// notification; the audit log already holds the outcome.

	if w.metrics != nil {
		w.metrics.WithdrawalsSettled.Inc()
		w.metrics.WithdrawalFeeTotal.Add(float64(fee))
		w.metrics.WithdrawalTokens.Add(float64(tokensUi))
	}
	w.log.Info().
		Str("wallet", string(wallet)).
		Str("signature", string(sig)).
		Int64("tokens", tokensUi).
		Int64("fee", fee).
		Msg("withdrawal settled")

	return sig, tokensUi, nil
}

// settle builds, signs and submits the custodian-funded transfer.
func (w *Withdrawals) settle(ctx context.Context, wallet chain.Address, tokensUi int64) (chain.Signature, uint64, error) {
	start := time.Now()

	custodianAccount, err := w.client.EnsureTokenAccount(ctx, w.custodian, w.mint, w.custodian.Address())
	if err != nil {
		return "", 0, fmt.Errorf("ensure custodian token account: %w", err)
	}
	destAccount, err := w.client.EnsureTokenAccount(ctx, w.custodian, w.mint, wallet)
	if err != nil {
		return "", 0, fmt.Errorf("ensure destination token account: %w", err)
	}

	blockhash, err := w.client.LatestBlockhash(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("fetch blockhash: %w", err)
	}

	rawAmount, err := chain.RawAmount(tokensUi, w.decimals)
	if err != nil {
		return "", 0, fmt.Errorf("scale payout: %w", err)
	}
	tx := &chain.Transaction{
		FeePayer:        w.custodian.Address(),
		RecentBlockhash: blockhash,
		Instructions: []chain.TransferInstruction{{
			Program:     "token",
			Type:        chain.InstructionTransfer,
			Source:      custodianAccount,
			Destination: destAccount,
			Mint:        w.mint,
			Authority:   w.custodian.Address(),
			Amount:      rawAmount,
		}},
	}
	if err := tx.Sign(w.custodian); err != nil {
		return "", 0, err
	}

	sig, err := w.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return "", 0, err
	}

	if w.metrics != nil {
		w.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}
	return sig, rawAmount, nil
}

func (w *Withdrawals) countReject(reason string) {
	if w.metrics != nil {
		w.metrics.WithdrawalsRejected.WithLabelValues(reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, game.ErrNoBalance):
		return "no-balance"
	case errors.Is(err, game.ErrSettlementInFlight):
		return "in-flight"
	case errors.Is(err, game.ErrUnknownSession):
		return "unknown-session"
	default:
		return "other"
	}
}

// Package auditlog holds the bridge's durable records: the append-only
// withdrawal log and the consumed deposit signature set. Both are
// single JSON files rewritten in full on each append, owned by a
// single writing process.
package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"pelletbridge/internal/observability"
)

// WithdrawalEntry is the sole durable record of a settlement outcome.
// Entries are appended, never mutated or deleted.
type WithdrawalEntry struct {
	Wallet      string `json:"wallet"`
	TxSignature string `json:"txSignature"`
	Amount      int64  `json:"amount"`
	AmountRaw   string `json:"amountRaw"`
	Fee         int64  `json:"fee"`
	Timestamp   int64  `json:"ts"`
}

// WithdrawalLog is the append-only withdrawal audit trail.
type WithdrawalLog struct {
	mu      sync.Mutex
	path    string
	entries []WithdrawalEntry
	metrics *observability.Metrics
	log     zerolog.Logger
}

// OpenWithdrawalLog loads (or initializes) the log file at path.
func OpenWithdrawalLog(path string, metrics *observability.Metrics, log zerolog.Logger) (*WithdrawalLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &WithdrawalLog{path: path, metrics: metrics, log: log}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := l.rewrite(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read withdrawal log: %w", err)
	default:
		if err := json.Unmarshal(raw, &l.entries); err != nil {
			return nil, fmt.Errorf("parse withdrawal log: %w", err)
		}
	}

	log.Info().Int("entries", len(l.entries)).Str("path", path).Msg("withdrawal log opened")
	return l, nil
}

// Append persists a new entry. The whole file is rewritten; the write
// goes through a temp file and rename so a crash never truncates the
// trail.
func (l *WithdrawalLog) Append(e WithdrawalEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if err := l.rewrite(); err != nil {
		// Keep the in-memory entry: the settlement already happened
		// on the ledger, dropping the record would be worse.
		if l.metrics != nil {
			l.metrics.AuditWriteErrors.Inc()
		}
		l.log.Error().Err(err).Str("signature", e.TxSignature).Msg("withdrawal log write failed")
		return err
	}

	if l.metrics != nil {
		l.metrics.AuditEntriesWritten.Inc()
	}
	return nil
}

// Entries returns a copy of the log, oldest first.
func (l *WithdrawalLog) Entries() []WithdrawalEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]WithdrawalEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *WithdrawalLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *WithdrawalLog) rewrite() error {
	entries := l.entries
	if entries == nil {
		entries = []WithdrawalEntry{}
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal withdrawal log: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write withdrawal log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace withdrawal log: %w", err)
	}
	return nil
}

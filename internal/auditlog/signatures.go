package auditlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"pelletbridge/internal/chain"
	"pelletbridge/internal/observability"
)

// SignatureStore tracks deposit signatures that have already credited
// a balance, so a replayed confirmation credits at most once. Consumed
// signatures are persisted across restarts and retained permanently;
// a ledger signature never becomes safe to replay.
//
// Reserve/Commit/Release give confirmation its fail-closed shape:
// Reserve claims the signature before the ledger fetch, Commit makes
// the claim durable after a verified credit, Release returns it when
// verification fails without crediting.
type SignatureStore struct {
	mu       sync.Mutex
	path     string
	consumed map[chain.Signature]struct{}
	inflight map[chain.Signature]struct{}
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// OpenSignatureStore loads (or initializes) the store file at path.
func OpenSignatureStore(path string, metrics *observability.Metrics, log zerolog.Logger) (*SignatureStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	s := &SignatureStore{
		path:     path,
		consumed: make(map[chain.Signature]struct{}),
		inflight: make(map[chain.Signature]struct{}),
		metrics:  metrics,
		log:      log,
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := s.rewrite(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read signature store: %w", err)
	default:
		var sigs []chain.Signature
		if err := json.Unmarshal(raw, &sigs); err != nil {
			return nil, fmt.Errorf("parse signature store: %w", err)
		}
		for _, sig := range sigs {
			s.consumed[sig] = struct{}{}
		}
	}

	if metrics != nil {
		metrics.SignaturesStored.Set(float64(len(s.consumed)))
	}
	log.Info().Int("signatures", len(s.consumed)).Str("path", path).Msg("signature store opened")
	return s, nil
}

// Reserve claims sig for one confirmation attempt. It fails when the
// signature was already consumed or another confirmation of the same
// signature is mid-flight.
func (s *SignatureStore) Reserve(sig chain.Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumed[sig]; ok {
		return false
	}
	if _, ok := s.inflight[sig]; ok {
		return false
	}
	s.inflight[sig] = struct{}{}
	return true
}

// Release returns a reserved signature after a failed verification.
func (s *SignatureStore) Release(sig chain.Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, sig)
}

// Commit marks a reserved signature consumed and persists the set.
// A persistence failure does not undo the consumption: the credit
// already happened, and crediting twice is the failure mode this store
// exists to prevent.
func (s *SignatureStore) Commit(sig chain.Signature) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, sig)
	s.consumed[sig] = struct{}{}

	if s.metrics != nil {
		s.metrics.SignaturesStored.Set(float64(len(s.consumed)))
	}

	if err := s.rewrite(); err != nil {
		if s.metrics != nil {
			s.metrics.AuditWriteErrors.Inc()
		}
		s.log.Error().Err(err).Str("signature", string(sig)).Msg("signature store write failed")
		return err
	}
	return nil
}

// Contains reports whether sig has been consumed.
func (s *SignatureStore) Contains(sig chain.Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.consumed[sig]
	return ok
}

// Len returns the number of consumed signatures.
func (s *SignatureStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumed)
}

func (s *SignatureStore) rewrite() error {
	sigs := make([]string, 0, len(s.consumed))
	for sig := range s.consumed {
		sigs = append(sigs, string(sig))
	}
	sort.Strings(sigs)

	raw, err := json.MarshalIndent(sigs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal signature store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write signature store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace signature store: %w", err)
	}
	return nil
}

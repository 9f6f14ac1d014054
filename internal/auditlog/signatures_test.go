package auditlog_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"pelletbridge/internal/auditlog"
	"pelletbridge/internal/chain"
)

func openSigStore(t *testing.T, path string) *auditlog.SignatureStore {
	t.Helper()
	s, err := auditlog.OpenSignatureStore(path, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("open signature store: %v", err)
	}
	return s
}

func TestSignatureStore_ReserveCommitRelease(t *testing.T) {
	s := openSigStore(t, filepath.Join(t.TempDir(), "sigs.json"))

	if !s.Reserve("sig-1") {
		t.Fatal("fresh signature should reserve")
	}
	if s.Reserve("sig-1") {
		t.Error("in-flight signature should not reserve twice")
	}

	// Release puts it back into play.
	s.Release("sig-1")
	if !s.Reserve("sig-1") {
		t.Fatal("released signature should reserve again")
	}

	// Commit consumes it permanently.
	if err := s.Commit("sig-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.Reserve("sig-1") {
		t.Error("consumed signature should never reserve again")
	}
	if !s.Contains("sig-1") {
		t.Error("committed signature should be contained")
	}
}

func TestSignatureStore_ConsumedSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.json")

	s := openSigStore(t, path)
	for _, sig := range []chain.Signature{"sig-a", "sig-b"} {
		if !s.Reserve(sig) {
			t.Fatalf("reserve %s failed", sig)
		}
		if err := s.Commit(sig); err != nil {
			t.Fatalf("commit %s: %v", sig, err)
		}
	}

	reopened := openSigStore(t, path)
	if reopened.Len() != 2 {
		t.Fatalf("signatures after reopen: got %d, want 2", reopened.Len())
	}
	if reopened.Reserve("sig-a") {
		t.Error("consumed signature should stay consumed across restarts")
	}
	if !reopened.Reserve("sig-new") {
		t.Error("fresh signature should still reserve after reopen")
	}
}

func TestSignatureStore_InFlightIsNotDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.json")

	s := openSigStore(t, path)
	if !s.Reserve("sig-1") {
		t.Fatal("reserve failed")
	}

	// A reservation that never committed does not survive a restart;
	// the confirmation it belonged to never credited anything.
	reopened := openSigStore(t, path)
	if !reopened.Reserve("sig-1") {
		t.Error("uncommitted reservation should not persist")
	}
}

func TestSignatureStore_ConcurrentReserveSingleWinner(t *testing.T) {
	s := openSigStore(t, filepath.Join(t.TempDir(), "sigs.json"))

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve("sig-1") {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("reservations won: got %d, want exactly 1", won)
	}
}

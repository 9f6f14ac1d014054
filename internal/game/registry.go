package game

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"pelletbridge/internal/chain"
	"pelletbridge/internal/observability"
)

var (
	// ErrUnknownSession reports a session id with no live session.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSettlementInFlight reports a second withdrawal racing an
	// unfinished one for the same session.
	ErrSettlementInFlight = errors.New("settlement already in flight")

	// ErrNoBalance reports a withdrawal on an empty balance.
	ErrNoBalance = errors.New("no balance")
)

// Session is a connected player. The game balance is ephemeral: it
// lives only as long as the connection unless withdrawn.
type Session struct {
	ID          uuid.UUID
	Wallet      chain.Address
	gameBalance int64
	withdrawing bool
}

// Registry owns the session map. All mutation goes through its
// serialized entry points; callers never hold *Session.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	metrics  *observability.Metrics
}

// NewRegistry creates an empty session registry. metrics may be nil.
func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session),
		metrics:  metrics,
	}
}

// Connect registers a new session with zero balance and no wallet.
func (r *Registry) Connect() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.sessions[id] = &Session{ID: id}

	if r.metrics != nil {
		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsConnected.Set(float64(len(r.sessions)))
	}
	return id
}

// Bind attaches a wallet address to a session. No proof of ownership
// is required here; callers must not treat the binding as
// authorization.
func (r *Registry) Bind(id uuid.UUID, wallet chain.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	s.Wallet = wallet
	return true
}

// Disconnect removes a session. Any unsettled balance is discarded.
func (r *Registry) Disconnect(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)

	if r.metrics != nil {
		r.metrics.SessionsConnected.Set(float64(len(r.sessions)))
	}
	return true
}

// Exists reports whether a session is live.
func (r *Registry) Exists(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Balance returns the session's game balance.
func (r *Registry) Balance(id uuid.UUID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, false
	}
	return s.gameBalance, true
}

// Credit adds amount (> 0) to the session balance and returns the new
// balance.
func (r *Registry) Credit(id uuid.UUID, amount int64) (int64, bool) {
	if amount <= 0 {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, false
	}
	s.gameBalance += amount
	return s.gameBalance, true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// BeginWithdrawal claims the session for settlement and returns the
// gross balance. Exactly one caller can hold the claim at a time;
// concurrent withdrawals for the same session fail with
// ErrSettlementInFlight instead of double-spending the balance.
func (r *Registry) BeginWithdrawal(id uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, ErrUnknownSession
	}
	if s.withdrawing {
		return 0, ErrSettlementInFlight
	}
	if s.gameBalance <= 0 {
		return 0, ErrNoBalance
	}
	s.withdrawing = true
	return s.gameBalance, nil
}

// FinishWithdrawal releases the settlement claim. When settled, the
// balance is zeroed; on failure it is left untouched. The returned
// balance is only meaningful when the session is still live; a session
// that disconnected mid-settlement reports ok=false and the caller
// skips the notification.
func (r *Registry) FinishWithdrawal(id uuid.UUID, settled bool) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, false
	}
	s.withdrawing = false
	if settled {
		s.gameBalance = 0
	}
	return s.gameBalance, true
}

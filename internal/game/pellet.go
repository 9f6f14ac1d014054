package game

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pelletbridge/internal/observability"
)

// DefaultSpawnCap bounds a single spawn batch.
const DefaultSpawnCap = 500

// Pellet is a pickable unit of in-game currency in the world.
type Pellet struct {
	ID    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Value int64   `json:"value"`
}

// SpawnItem is a client-supplied pellet candidate. Coordinates are
// optional on the wire; items without both are dropped.
type SpawnItem struct {
	ID    string
	X     *float64
	Y     *float64
	Value *float64
}

// Notifier delivers state changes to sessions. The transport
// implements it; delivery is at-least-once with no cross-event
// ordering guarantee.
type Notifier interface {
	NotifyBalance(sessionID uuid.UUID, balance int64)
	BroadcastPelletsAdded(pellets []Pellet)
	BroadcastPelletsRemoved(ids []string)
}

// PelletField owns the authoritative pellet map. Spawn and pickup are
// serialized on its mutex, which is what makes pickup exactly-once.
type PelletField struct {
	mu      sync.Mutex
	pellets map[string]Pellet

	registry *Registry
	notifier Notifier
	metrics  *observability.Metrics
	log      zerolog.Logger
}

// NewPelletField creates an empty field. metrics may be nil.
func NewPelletField(registry *Registry, notifier Notifier, metrics *observability.Metrics, log zerolog.Logger) *PelletField {
	return &PelletField{
		pellets:  make(map[string]Pellet),
		registry: registry,
		notifier: notifier,
		metrics:  metrics,
		log:      log,
	}
}

// SpawnBatch validates, truncates and inserts a batch of pellets, then
// broadcasts the created subset. Items lacking numeric coordinates are
// filtered, missing ids generated, values clamped to a positive
// integer defaulting to 1.
func (f *PelletField) SpawnBatch(items []SpawnItem, cap int) []Pellet {
	if cap <= 0 {
		cap = DefaultSpawnCap
	}
	if len(items) > cap {
		items = items[:cap]
		if f.metrics != nil {
			f.metrics.SpawnTruncated.Inc()
		}
	}

	created := make([]Pellet, 0, len(items))

	f.mu.Lock()
	for _, it := range items {
		if it.X == nil || it.Y == nil || !isFinite(*it.X) || !isFinite(*it.Y) {
			continue
		}

		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}

		value := int64(1)
		if it.Value != nil && *it.Value >= 1 {
			value = int64(math.Floor(*it.Value))
		}

		p := Pellet{ID: id, X: *it.X, Y: *it.Y, Value: value}
		f.pellets[id] = p
		created = append(created, p)
	}
	live := len(f.pellets)
	f.mu.Unlock()

	if len(created) > 0 {
		if f.metrics != nil {
			f.metrics.PelletsSpawned.Add(float64(len(created)))
			f.metrics.PelletsLive.Set(float64(live))
		}
		f.log.Debug().Int("count", len(created)).Msg("pellets spawned")
		f.notifier.BroadcastPelletsAdded(created)
	}
	return created
}

// Pickup atomically removes a pellet and credits the requesting
// session by its value. For any number of concurrent pickups of the
// same id exactly one succeeds; the rest observe the pellet gone.
// An unknown session id is ignored and the pellet stays.
func (f *PelletField) Pickup(id string, sessionID uuid.UUID) bool {
	if !f.registry.Exists(sessionID) {
		return false
	}

	f.mu.Lock()
	p, ok := f.pellets[id]
	if ok {
		delete(f.pellets, id)
	}
	live := len(f.pellets)
	f.mu.Unlock()

	if !ok {
		return false
	}

	value := p.Value
	if value <= 0 {
		value = 1
	}

	if f.metrics != nil {
		f.metrics.PelletsPicked.Inc()
		f.metrics.PelletsLive.Set(float64(live))
	}

	// The session can disconnect between the existence check and the
	// credit; the pellet is consumed either way and the removal still
	// broadcasts.
	if balance, credited := f.registry.Credit(sessionID, value); credited {
		if f.metrics != nil {
			f.metrics.PelletsCredited.Add(float64(value))
		}
		f.notifier.NotifyBalance(sessionID, balance)
	}
	f.notifier.BroadcastPelletsRemoved([]string{id})
	return true
}

// Snapshot returns every live pellet, for a newly connected session.
func (f *PelletField) Snapshot() []Pellet {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Pellet, 0, len(f.pellets))
	for _, p := range f.pellets {
		out = append(out, p)
	}
	return out
}

// Count returns the number of live pellets.
func (f *PelletField) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pellets)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

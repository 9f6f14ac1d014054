// Package protocol defines the wire messages of the realtime channel.
// Delivery is at-least-once with no cross-event ordering guarantee;
// clients must treat every message as idempotent state.
package protocol

import (
	"encoding/json"
	"fmt"

	"pelletbridge/internal/game"
)

// Server-to-client message types.
const (
	TypeWelcome        = "welcome"
	TypeBalance        = "balance"
	TypePelletsState   = "pellets_state"
	TypePelletsAdded   = "pellets_added"
	TypePelletsRemoved = "pellets_removed"
)

// Client-to-server message types.
const (
	TypeAuth         = "auth"
	TypeSpawnPellets = "spawn_pellets"
	TypePickupPellet = "pickup_pellet"
)

// ClientMessage is the decoded form of anything a client sends.
// Fields beyond Type are populated per message type.
type ClientMessage struct {
	Type   string          `json:"type"`
	Wallet string          `json:"wallet,omitempty"`
	Items  []SpawnItemWire `json:"items,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// SpawnItemWire is a client-supplied pellet candidate. Coordinates and
// value are pointers so missing fields are distinguishable from zero.
type SpawnItemWire struct {
	ID    string   `json:"id,omitempty"`
	X     *float64 `json:"x,omitempty"`
	Y     *float64 `json:"y,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

// ToSpawnItem converts the wire form to the game form.
func (w SpawnItemWire) ToSpawnItem() game.SpawnItem {
	return game.SpawnItem{ID: w.ID, X: w.X, Y: w.Y, Value: w.Value}
}

// ParseClientMessage decodes a raw client frame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("client message without type")
	}
	return &msg, nil
}

type welcomeMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type balanceMsg struct {
	Type    string `json:"type"`
	Balance int64  `json:"balance"`
}

type pelletsMsg struct {
	Type    string        `json:"type"`
	Pellets []game.Pellet `json:"pellets"`
}

type pelletsRemovedMsg struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// MarshalWelcome encodes the session greeting.
func MarshalWelcome(id string) []byte {
	return mustMarshal(welcomeMsg{Type: TypeWelcome, ID: id})
}

// MarshalBalance encodes a balance push.
func MarshalBalance(balance int64) []byte {
	return mustMarshal(balanceMsg{Type: TypeBalance, Balance: balance})
}

// MarshalPelletsState encodes the full pellet snapshot.
func MarshalPelletsState(pellets []game.Pellet) []byte {
	if pellets == nil {
		pellets = []game.Pellet{}
	}
	return mustMarshal(pelletsMsg{Type: TypePelletsState, Pellets: pellets})
}

// MarshalPelletsAdded encodes a spawn delta.
func MarshalPelletsAdded(pellets []game.Pellet) []byte {
	return mustMarshal(pelletsMsg{Type: TypePelletsAdded, Pellets: pellets})
}

// MarshalPelletsRemoved encodes a removal delta.
func MarshalPelletsRemoved(ids []string) []byte {
	return mustMarshal(pelletsRemovedMsg{Type: TypePelletsRemoved, IDs: ids})
}

func mustMarshal(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable types, which these are not.
		panic(err)
	}
	return raw
}

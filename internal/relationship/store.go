// Package relationship keeps a client-side view of the relationship and
// memories between one persona and one user, refreshed from the store.
package relationship

import (
	"context"
	"errors"

	model "github.com/zhouzirui/parley/internal/model/relationship"
)

var (
	ErrNotFound         = errors.New("relationship not found")
	ErrStoreUnavailable = errors.New("relationship store unavailable")
)

// Store is the remote owner of relationship records and memories.
type Store interface {
	GetRelationship(ctx context.Context, personaID, userID string) (model.Record, error)
	GetMemories(ctx context.Context, personaID, userID string) ([]model.Memory, error)
	// AddMemory returns the memory as stored, with its server-assigned ID.
	AddMemory(ctx context.Context, personaID, userID string, memory model.NewMemory) (model.Memory, error)
	UpdatePreferences(ctx context.Context, personaID, userID string, prefs map[string]any) error
}

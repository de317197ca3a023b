package talebranch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/usage"
)

// Save bookmarks gameStateID, or the current node when it is empty. The save
// holds one link on the node's chain until it is deleted.
func (e *Engine) Save(ctx context.Context, ownerID, gameStateID, description string) (s *store.Save, err error) {
	ctx, op := e.begin(ctx, OpSave, ownerID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	gs, err := e.node(ctx, ownerID, gameStateID)
	if err != nil {
		return nil, err
	}
	op.set("game_state_id", gs.ID)

	save, err := e.store.CreateSave(ctx, ownerID, gs.ID, description)
	if err != nil {
		return nil, fmt.Errorf("failed to create save: %w", err)
	}
	op.set("save_id", save.ID)
	return save, nil
}

// ListSaves returns the owner's saves, newest first.
func (e *Engine) ListSaves(ctx context.Context, ownerID string, page store.Page) ([]*store.Save, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	return e.store.ListSaves(ctx, ownerID, page)
}

// RenameSave replaces a save's description.
func (e *Engine) RenameSave(ctx context.Context, ownerID, saveID, description string) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	return e.store.RenameSave(ctx, ownerID, saveID, description)
}

// DeleteSave removes a save, releases its link and prunes the chain it held.
func (e *Engine) DeleteSave(ctx context.Context, ownerID, saveID string) (err error) {
	ctx, op := e.begin(ctx, OpDeleteSave, ownerID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return err
	}
	op.set("save_id", saveID)
	save, err := e.store.DeleteSave(ctx, ownerID, saveID)
	if err != nil {
		return err
	}
	op.set("game_state_id", save.GameStateID)
	return e.prune(ctx, ownerID, save.GameStateID)
}

// History returns the messages along the chain of gameStateID, or of the
// current node when it is empty, closest first.
func (e *Engine) History(ctx context.Context, ownerID, gameStateID string, page store.Page) ([]store.HistoryEntry, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	gs, err := e.node(ctx, ownerID, gameStateID)
	if err != nil {
		return nil, err
	}
	return e.store.History(ctx, gs.ID, page)
}

// Map returns the map snapshot of gameStateID, or of the current node when it
// is empty.
func (e *Engine) Map(ctx context.Context, ownerID, gameStateID string) (*store.MapState, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	gs, err := e.node(ctx, ownerID, gameStateID)
	if err != nil {
		return nil, err
	}
	return e.store.GetMapState(ctx, gs.MapStateID)
}

// Usage returns the owner's counters for the UTC day containing day, or for
// today when day is zero.
func (e *Engine) Usage(ctx context.Context, ownerID string, day time.Time) (*usage.Daily, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if day.IsZero() {
		return e.meter.Today(ctx, ownerID)
	}
	return e.meter.On(ctx, ownerID, day)
}

// Reset deletes every game state, save, message, environment and map state of
// the owner. Usage counters are kept.
func (e *Engine) Reset(ctx context.Context, ownerID string) (res store.PruneResult, err error) {
	ctx, op := e.begin(ctx, OpReset, ownerID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return store.PruneResult{}, err
	}
	res, err = e.store.PurgeOwner(ctx, ownerID)
	if err != nil {
		return store.PruneResult{}, fmt.Errorf("failed to purge owner: %w", err)
	}
	e.recordPruned(ctx, res)

	e.logger.InfoContext(ctx, "owner reset",
		slog.String("owner", ownerID),
		slog.Int("game_states", res.GameStates),
		slog.Int("saves", res.Saves),
	)
	return res, nil
}

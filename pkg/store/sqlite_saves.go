package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/usage"
)

func (s *SQLiteStore) getSave(ctx context.Context, q queryer, ownerID, id string) (*Save, error) {
	var save Save
	var created any
	err := q.QueryRowContext(ctx,
		"SELECT id, owner_id, game_state_id, description, created_at FROM saves WHERE id = ? AND owner_id = ?",
		id, ownerID,
	).Scan(&save.ID, &save.OwnerID, &save.GameStateID, &save.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: save %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get save: %w", err)
	}
	save.CreatedAt = scanTime(created)
	return &save, nil
}

// CreateSave implements SaveStore.
func (s *SQLiteStore) CreateSave(ctx context.Context, ownerID, gameStateID, description string) (*Save, error) {
	save := &Save{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		GameStateID: gameStateID,
		Description: description,
		CreatedAt:   time.Now(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		gs, err := s.getGameState(ctx, tx, gameStateID)
		if err != nil {
			return err
		}
		if gs.OwnerID != ownerID {
			return fmt.Errorf("%w: game state %s", ErrNotFound, gameStateID)
		}
		if err := s.adjustLinks(ctx, tx, gameStateID, 1); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO saves (id, owner_id, game_state_id, description, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, save.ID, save.OwnerID, save.GameStateID, save.Description, formatTime(save.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert save: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return save, nil
}

// GetSave implements SaveStore.
func (s *SQLiteStore) GetSave(ctx context.Context, ownerID, id string) (*Save, error) {
	return s.getSave(ctx, s.db, ownerID, id)
}

// ListSaves implements SaveStore.
func (s *SQLiteStore) ListSaves(ctx context.Context, ownerID string, page Page) ([]*Save, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, game_state_id, description, created_at
		FROM saves WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, ownerID, limit, max(page.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list saves: %w", err)
	}
	defer rows.Close()

	var saves []*Save
	for rows.Next() {
		var save Save
		var created any
		if err := rows.Scan(&save.ID, &save.OwnerID, &save.GameStateID, &save.Description, &created); err != nil {
			return nil, fmt.Errorf("failed to scan save: %w", err)
		}
		save.CreatedAt = scanTime(created)
		saves = append(saves, &save)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating saves: %w", err)
	}
	return saves, nil
}

// RenameSave implements SaveStore.
func (s *SQLiteStore) RenameSave(ctx context.Context, ownerID, id, description string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE saves SET description = ? WHERE id = ? AND owner_id = ?", description, id, ownerID)
	if err != nil {
		return conflictOr(fmt.Errorf("failed to rename save: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: save %s", ErrNotFound, id)
	}
	return nil
}

// DeleteSave implements SaveStore.
func (s *SQLiteStore) DeleteSave(ctx context.Context, ownerID, id string) (*Save, error) {
	var save *Save
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		save, err = s.getSave(ctx, tx, ownerID, id)
		if err != nil {
			return err
		}
		if err := s.adjustLinks(ctx, tx, save.GameStateID, -1); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM saves WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete save: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return save, nil
}

// ownedIDs returns the IDs of every row of table owned by ownerID.
func ownedIDs(ctx context.Context, tx *sql.Tx, table, ownerID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id FROM "+table+" WHERE owner_id = ?", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeOwner implements Store.
func (s *SQLiteStore) PurgeOwner(ctx context.Context, ownerID string) (PruneResult, error) {
	var res PruneResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name  string
			count *int
		}{
			{"saves", &res.Saves},
			{"game_states", &res.GameStates},
			{"messages", &res.Messages},
			{"environments", &res.Environments},
			{"map_states", &res.MapStates},
		}
		for _, t := range tables {
			ids, err := ownedIDs(ctx, tx, t.name, ownerID)
			if err != nil {
				return err
			}
			n, err := execIDs(ctx, tx, "DELETE FROM "+t.name+" WHERE id IN", ids)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", t.name, err)
			}
			*t.count = n
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM owners WHERE id = ?", ownerID); err != nil {
			return fmt.Errorf("failed to clear current game state: %w", err)
		}
		return nil
	})
	if err != nil {
		return PruneResult{}, err
	}
	return res, nil
}

func usageDay(day time.Time) string {
	return day.Format(time.DateOnly)
}

// usageKnown reports whether k has storage columns.
func usageKnown(k usage.Key) bool {
	tier := k.Tier
	if tier == "" {
		tier = capability.TierStandard
	}
	return slices.Contains(usage.Categories, k.Category) && slices.Contains(usage.Tiers, tier)
}

// AddUsage implements usage.Store.
func (s *SQLiteStore) AddUsage(ctx context.Context, ownerID string, day time.Time, delta usage.Delta) error {
	cols := []string{"owner_id", "day"}
	args := []any{ownerID, usageDay(day)}
	var updates []string
	for k, c := range delta {
		if !usageKnown(k) {
			return fmt.Errorf("unknown usage counter %s/%s", k.Tier, k.Category)
		}
		values := []int64{c.InputTokens, c.OutputTokens, c.Queries}
		for i, f := range usageFields {
			col := usageColumn(k, f)
			cols = append(cols, col)
			args = append(args, values[i])
			updates = append(updates, fmt.Sprintf("%[1]s = %[1]s + excluded.%[1]s", col))
		}
	}
	if len(updates) == 0 {
		return nil
	}

	stmt := fmt.Sprintf(`
		INSERT INTO daily_usage (%s) VALUES (%s)
		ON CONFLICT(owner_id, day) DO UPDATE SET %s
	`, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(updates, ", "))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to add usage: %w", err)
		}
		return nil
	})
}

// GetUsage implements usage.Store.
func (s *SQLiteStore) GetUsage(ctx context.Context, ownerID string, day time.Time) (*usage.Daily, error) {
	out := &usage.Daily{OwnerID: ownerID, Day: day, Counters: make(map[usage.Key]usage.Counter)}

	var keys []usage.Key
	for _, tier := range usage.Tiers {
		for _, cat := range usage.Categories {
			keys = append(keys, usage.Key{Category: cat, Tier: tier})
		}
	}
	values := make([]int64, len(keys)*len(usageFields))
	dest := make([]any, len(values))
	for i := range values {
		dest[i] = &values[i]
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT "+strings.Join(usageColumns(), ", ")+" FROM daily_usage WHERE owner_id = ? AND day = ?",
		ownerID, usageDay(day),
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	for i, k := range keys {
		c := usage.Counter{
			InputTokens:  values[i*3],
			OutputTokens: values[i*3+1],
			Queries:      values[i*3+2],
		}
		if c != (usage.Counter{}) {
			out.Counters[k] = c
		}
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// chainQuery walks table through prevCol from a start row, bounded by depth.
// Rows come back closest first.
func chainQuery(table, prevCol string) string {
	return fmt.Sprintf(`
		WITH RECURSIVE chain(id, prev, depth) AS (
			SELECT id, %[2]s, 0 FROM %[1]s WHERE id = ?
			UNION ALL
			SELECT t.id, t.%[2]s, c.depth + 1
			FROM %[1]s t JOIN chain c ON t.id = c.prev
			WHERE c.depth < ?
		)
		SELECT id, COALESCE(prev, '') FROM chain ORDER BY depth
	`, table, prevCol)
}

var (
	nodeChainQuery        = chainQuery("game_states", "previous_game_state_id")
	messageChainQuery     = chainQuery("messages", "previous_message_id")
	environmentChainQuery = chainQuery("environments", "previous_environment_id")
)

// walk runs a chain query and verifies the result.
func (s *SQLiteStore) walk(ctx context.Context, q queryer, query, start string) ([]chainLink, error) {
	rows, err := q.QueryContext(ctx, query, start, s.maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk chain: %w", err)
	}
	defer rows.Close()

	var links []chainLink
	for rows.Next() {
		var l chainLink
		if err := rows.Scan(&l.ID, &l.Prev); err != nil {
			return nil, fmt.Errorf("failed to scan chain row: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chain: %w", err)
	}

	if err := verifyChain(start, links, s.maxDepth); err != nil {
		return nil, err
	}
	return links, nil
}

// inChunks calls fn with consecutive slices of ids no longer than the
// SQLite host parameter budget we allow ourselves.
func inChunks(ids []string, fn func(chunk []string) error) error {
	const size = 500
	for len(ids) > 0 {
		n := min(size, len(ids))
		if err := fn(ids[:n]); err != nil {
			return err
		}
		ids = ids[n:]
	}
	return nil
}

const gameStateColumns = `id, owner_id, previous_game_state_id, message_id, environment_id, map_state_id,
	sprites, music, followers, links, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGameState(r rowScanner) (*GameState, error) {
	var gs GameState
	var prev, msg sql.NullString
	var sprites, followers string
	var created any
	if err := r.Scan(&gs.ID, &gs.OwnerID, &prev, &msg, &gs.EnvironmentID, &gs.MapStateID,
		&sprites, &gs.Music, &followers, &gs.Links, &created); err != nil {
		return nil, err
	}
	gs.PreviousID = prev.String
	gs.MessageID = msg.String
	gs.CreatedAt = scanTime(created)
	if err := json.Unmarshal([]byte(sprites), &gs.Sprites); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sprites: %w", err)
	}
	if err := json.Unmarshal([]byte(followers), &gs.Followers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal followers: %w", err)
	}
	return &gs, nil
}

const messageColumns = `id, owner_id, previous_message_id, speaker, text, displayed_text, created_at`

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var prev, displayed sql.NullString
	var created any
	if err := r.Scan(&m.ID, &m.OwnerID, &prev, &m.Speaker, &m.Text, &displayed, &created); err != nil {
		return nil, err
	}
	m.PreviousID = prev.String
	m.DisplayedText = displayed.String
	if !displayed.Valid {
		m.DisplayedText = m.Text
	}
	m.CreatedAt = scanTime(created)
	return &m, nil
}

const environmentColumns = `id, owner_id, previous_environment_id, location, previous_summary,
	previous_characters, created_at`

func scanEnvironment(r rowScanner) (*Environment, error) {
	var e Environment
	var prev, summary sql.NullString
	var roster string
	var created any
	if err := r.Scan(&e.ID, &e.OwnerID, &prev, &e.Location, &summary, &roster, &created); err != nil {
		return nil, err
	}
	e.PreviousID = prev.String
	if summary.Valid {
		s := summary.String
		e.PreviousSummary = &s
	}
	e.CreatedAt = scanTime(created)
	if err := json.Unmarshal([]byte(roster), &e.PreviousCharacters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal previous characters: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) getGameState(ctx context.Context, q queryer, id string) (*GameState, error) {
	row := q.QueryRowContext(ctx, "SELECT "+gameStateColumns+" FROM game_states WHERE id = ?", id)
	gs, err := scanGameState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: game state %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game state: %w", err)
	}
	return gs, nil
}

// GetGameState implements GraphStore.
func (s *SQLiteStore) GetGameState(ctx context.Context, id string) (*GameState, error) {
	return s.getGameState(ctx, s.db, id)
}

// GetMessage implements GraphStore.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// GetEnvironment implements GraphStore.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+environmentColumns+" FROM environments WHERE id = ?", id)
	e, err := scanEnvironment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return e, nil
}

// GetMapState implements GraphStore.
func (s *SQLiteStore) GetMapState(ctx context.Context, id string) (*MapState, error) {
	var m MapState
	var placements string
	var created any
	err := s.db.QueryRowContext(ctx,
		"SELECT id, owner_id, time_of_day, placements, created_at FROM map_states WHERE id = ?", id,
	).Scan(&m.ID, &m.OwnerID, &m.Time, &placements, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: map state %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get map state: %w", err)
	}
	m.CreatedAt = scanTime(created)
	if err := json.Unmarshal([]byte(placements), &m.Placements); err != nil {
		return nil, fmt.Errorf("failed to unmarshal placements: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) insertEnvironment(ctx context.Context, tx *sql.Tx, e *Environment) error {
	roster := e.PreviousCharacters
	if roster == nil {
		roster = []string{}
	}
	rosterJSON, err := marshalJSON(roster)
	if err != nil {
		return fmt.Errorf("failed to marshal previous characters: %w", err)
	}
	var summary sql.NullString
	if e.PreviousSummary != nil {
		summary = sql.NullString{String: *e.PreviousSummary, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO environments (id, owner_id, previous_environment_id, location, previous_summary, previous_characters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OwnerID, nullable(e.PreviousID), e.Location, summary, rosterJSON, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert environment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertMapState(ctx context.Context, tx *sql.Tx, m *MapState) error {
	placements := m.Placements
	if placements == nil {
		placements = []Placement{}
	}
	placementsJSON, err := marshalJSON(placements)
	if err != nil {
		return fmt.Errorf("failed to marshal placements: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO map_states (id, owner_id, time_of_day, placements, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.ID, m.OwnerID, m.Time, placementsJSON, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert map state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, owner_id, previous_message_id, speaker, text, displayed_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.OwnerID, nullable(m.PreviousID), m.Speaker, m.Text, m.DisplayedText, formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) insertGameState(ctx context.Context, tx *sql.Tx, g *GameState) error {
	if g.Sprites == nil {
		g.Sprites = []Sprite{}
	}
	if g.Followers == nil {
		g.Followers = []string{}
	}
	spritesJSON, err := marshalJSON(g.Sprites)
	if err != nil {
		return fmt.Errorf("failed to marshal sprites: %w", err)
	}
	followersJSON, err := marshalJSON(g.Followers)
	if err != nil {
		return fmt.Errorf("failed to marshal followers: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO game_states (id, owner_id, previous_game_state_id, message_id, environment_id, map_state_id,
			sprites, music, followers, links, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.OwnerID, nullable(g.PreviousID), nullable(g.MessageID), g.EnvironmentID, g.MapStateID,
		spritesJSON, g.Music, followersJSON, g.Links, formatTime(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert game state: %w", err)
	}
	return nil
}

func setCurrent(ctx context.Context, q queryer, ownerID, id string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO owners (id, current_game_state_id) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET current_game_state_id = excluded.current_game_state_id
	`, ownerID, nullable(id))
	if err != nil {
		return fmt.Errorf("failed to set current game state: %w", err)
	}
	return nil
}

// CreateRoot implements GraphStore.
func (s *SQLiteStore) CreateRoot(ctx context.Context, ownerID string, root RootSpec) (*GameState, error) {
	now := time.Now()
	env := &Environment{ID: uuid.New().String(), OwnerID: ownerID, Location: root.Location, CreatedAt: now}
	ms := &MapState{ID: uuid.New().String(), OwnerID: ownerID, Time: root.Time, Placements: root.Placements, CreatedAt: now}
	gs := &GameState{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		EnvironmentID: env.ID,
		MapStateID:    ms.ID,
		Sprites:       root.Sprites,
		Music:         root.Music,
		Links:         1,
		CreatedAt:     now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertEnvironment(ctx, tx, env); err != nil {
			return err
		}
		if err := s.insertMapState(ctx, tx, ms); err != nil {
			return err
		}
		if err := s.insertGameState(ctx, tx, gs); err != nil {
			return err
		}
		return setCurrent(ctx, tx, ownerID, gs.ID)
	})
	if err != nil {
		return nil, err
	}
	return gs, nil
}

// Append implements GraphStore.
func (s *SQLiteStore) Append(ctx context.Context, req AppendRequest) ([]*GameState, error) {
	var created []*GameState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		parent, err := s.getGameState(ctx, tx, req.ParentID)
		if err != nil {
			return err
		}
		if parent.OwnerID != req.OwnerID {
			return fmt.Errorf("%w: game state %s", ErrNotFound, req.ParentID)
		}

		now := time.Now()
		for _, spec := range req.Children {
			gs := &GameState{
				ID:            uuid.New().String(),
				OwnerID:       req.OwnerID,
				PreviousID:    parent.ID,
				MessageID:     parent.MessageID,
				EnvironmentID: parent.EnvironmentID,
				MapStateID:    parent.MapStateID,
				Sprites:       spec.Sprites,
				Music:         spec.Music,
				Followers:     spec.Followers,
				Links:         1,
				CreatedAt:     now,
			}
			if spec.ClearMessage {
				gs.MessageID = ""
			}
			if spec.Environment != nil {
				env := &Environment{
					ID:                 uuid.New().String(),
					OwnerID:            req.OwnerID,
					PreviousID:         parent.EnvironmentID,
					Location:           spec.Environment.Location,
					PreviousSummary:    spec.Environment.PreviousSummary,
					PreviousCharacters: spec.Environment.PreviousCharacters,
					CreatedAt:          now,
				}
				if err := s.insertEnvironment(ctx, tx, env); err != nil {
					return err
				}
				gs.EnvironmentID = env.ID
			}
			if spec.MapState != nil {
				ms := &MapState{
					ID:         uuid.New().String(),
					OwnerID:    req.OwnerID,
					Time:       spec.MapState.Time,
					Placements: spec.MapState.Placements,
					CreatedAt:  now,
				}
				if err := s.insertMapState(ctx, tx, ms); err != nil {
					return err
				}
				gs.MapStateID = ms.ID
			}
			if spec.Message != nil {
				msg := &Message{
					ID:            uuid.New().String(),
					OwnerID:       req.OwnerID,
					PreviousID:    gs.MessageID,
					Speaker:       spec.Message.Speaker,
					Text:          spec.Message.Text,
					DisplayedText: spec.Message.DisplayedText,
					CreatedAt:     now,
				}
				if err := s.insertMessage(ctx, tx, msg); err != nil {
					return err
				}
				gs.MessageID = msg.ID
			}
			if err := s.insertGameState(ctx, tx, gs); err != nil {
				return err
			}
			created = append(created, gs)
			parent = gs
		}

		if req.MakeCurrent && len(created) > 0 {
			return setCurrent(ctx, tx, req.OwnerID, created[len(created)-1].ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AncestorChain implements GraphStore.
func (s *SQLiteStore) AncestorChain(ctx context.Context, id string, page Page) ([]string, error) {
	links, err := s.walk(ctx, s.db, nodeChainQuery, id)
	if err != nil {
		return nil, err
	}
	return window(linkIDs(links), page), nil
}

// MessageChain implements GraphStore. The walk and the row fetch share one
// read transaction so a concurrent prune cannot remove rows in between.
func (s *SQLiteStore) MessageChain(ctx context.Context, messageID string, page Page) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, conflictOr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	links, err := s.walk(ctx, tx, messageChainQuery, messageID)
	if err != nil {
		return nil, conflictOr(err)
	}
	ids := window(linkIDs(links), page)

	byID := make(map[string]*Message, len(ids))
	err = inChunks(ids, func(chunk []string) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages WHERE id IN ("+placeholders(len(chunk))+")",
			anyArgs(chunk)...)
		if err != nil {
			return fmt.Errorf("failed to query messages: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return fmt.Errorf("failed to scan message: %w", err)
			}
			byID[m.ID] = m
		}
		return rows.Err()
	})
	if err != nil {
		return nil, conflictOr(err)
	}
	return orderMessages(ids, byID)
}

// orderMessages returns the messages of ids in order. An id with no row
// means the chain changed under the reader.
func orderMessages(ids []string, byID map[string]*Message) ([]*Message, error) {
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: message %s vanished from chain", ErrGraphConsistency, id)
		}
		out = append(out, m)
	}
	return out, nil
}

// EnvironmentSummaries implements GraphStore.
func (s *SQLiteStore) EnvironmentSummaries(ctx context.Context, environmentID, character string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id, prev, depth) AS (
			SELECT id, previous_environment_id, 0 FROM environments WHERE id = ?
			UNION ALL
			SELECT e.id, e.previous_environment_id, c.depth + 1
			FROM environments e JOIN chain c ON e.id = c.prev
			WHERE c.depth < ?
		)
		SELECT c.id, COALESCE(c.prev, ''), e.previous_summary, e.previous_characters
		FROM chain c JOIN environments e ON e.id = c.id
		ORDER BY c.depth
	`, environmentID, s.maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk environments: %w", err)
	}
	defer rows.Close()

	var links []chainLink
	var envs []*Environment
	for rows.Next() {
		var l chainLink
		var summary sql.NullString
		var roster string
		if err := rows.Scan(&l.ID, &l.Prev, &summary, &roster); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		env := &Environment{ID: l.ID, PreviousID: l.Prev}
		if summary.Valid {
			text := summary.String
			env.PreviousSummary = &text
		}
		if err := json.Unmarshal([]byte(roster), &env.PreviousCharacters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal previous characters: %w", err)
		}
		links = append(links, l)
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}
	if err := verifyChain(environmentID, links, s.maxDepth); err != nil {
		return nil, err
	}
	return selectSummaries(envs, character, limit), nil
}

// History implements GraphStore.
func (s *SQLiteStore) History(ctx context.Context, id string, page Page) ([]HistoryEntry, error) {
	links, err := s.walk(ctx, s.db, nodeChainQuery, id)
	if err != nil {
		return nil, err
	}
	ids := window(linkIDs(links), page)

	type pair struct{ node, message string }
	var pairs []pair
	err = inChunks(ids, func(chunk []string) error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id, message_id FROM game_states WHERE message_id IS NOT NULL AND id IN ("+placeholders(len(chunk))+")",
			anyArgs(chunk)...)
		if err != nil {
			return fmt.Errorf("failed to query history nodes: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.node, &p.message); err != nil {
				return fmt.Errorf("failed to scan history node: %w", err)
			}
			pairs = append(pairs, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	msgOf := make(map[string]string, len(pairs))
	for _, p := range pairs {
		msgOf[p.node] = p.message
	}

	var out []HistoryEntry
	for _, nodeID := range ids {
		msgID, ok := msgOf[nodeID]
		if !ok {
			continue
		}
		m, err := s.GetMessage(ctx, msgID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{GameStateID: nodeID, Message: m})
	}
	return out, nil
}

func (s *SQLiteStore) adjustLinks(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	links, err := s.walk(ctx, tx, nodeChainQuery, id)
	if err != nil {
		return err
	}
	ids := linkIDs(links)

	err = inChunks(ids, func(chunk []string) error {
		var negative string
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM game_states WHERE links + ? < 0 AND id IN ("+placeholders(len(chunk))+") LIMIT 1",
			append([]any{delta}, anyArgs(chunk)...)...).Scan(&negative)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check links: %w", err)
		}
		return fmt.Errorf("%w: links of %s would become negative", ErrGraphConsistency, negative)
	})
	if err != nil {
		return err
	}

	return inChunks(ids, func(chunk []string) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE game_states SET links = links + ? WHERE id IN ("+placeholders(len(chunk))+")",
			append([]any{delta}, anyArgs(chunk)...)...)
		if err != nil {
			return fmt.Errorf("failed to adjust links: %w", err)
		}
		return nil
	})
}

// AdjustLinks implements GraphStore.
func (s *SQLiteStore) AdjustLinks(ctx context.Context, id string, delta int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.adjustLinks(ctx, tx, id, delta)
	})
}

// Prune implements GraphStore.
func (s *SQLiteStore) Prune(ctx context.Context, id string) (PruneResult, error) {
	var res PruneResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		links, err := s.walk(ctx, tx, nodeChainQuery, id)
		if err != nil {
			return err
		}

		var chain []prunable
		err = inChunks(linkIDs(links), func(chunk []string) error {
			rows, err := tx.QueryContext(ctx,
				"SELECT id, COALESCE(message_id, ''), environment_id, map_state_id, links FROM game_states WHERE id IN ("+placeholders(len(chunk))+")",
				anyArgs(chunk)...)
			if err != nil {
				return fmt.Errorf("failed to query prune candidates: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var p prunable
				if err := rows.Scan(&p.ID, &p.MessageID, &p.EnvironmentID, &p.MapStateID, &p.Links); err != nil {
					return fmt.Errorf("failed to scan prune candidate: %w", err)
				}
				chain = append(chain, p)
			}
			return rows.Err()
		})
		if err != nil {
			return err
		}

		doomed := zeroLinked(chain)
		if len(doomed) == 0 {
			return nil
		}
		nodeIDs := make([]string, 0, len(doomed))
		var msgIDs, envIDs, mapIDs []string
		for _, n := range doomed {
			nodeIDs = append(nodeIDs, n.ID)
			msgIDs = append(msgIDs, n.MessageID)
			envIDs = append(envIDs, n.EnvironmentID)
			mapIDs = append(mapIDs, n.MapStateID)
		}
		res, err = s.deleteRows(ctx, tx, nodeIDs, uniq(msgIDs), uniq(envIDs), uniq(mapIDs), s.pruneOrphans)
		return err
	})
	if err != nil {
		return PruneResult{}, err
	}
	return res, nil
}

// selectIDs returns those of ids matching the extra condition on table.
func selectIDs(ctx context.Context, tx *sql.Tx, table, cond string, ids []string) ([]string, error) {
	var out []string
	err := inChunks(ids, func(chunk []string) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM "+table+" t WHERE t.id IN ("+placeholders(len(chunk))+") AND "+cond,
			anyArgs(chunk)...)
		if err != nil {
			return fmt.Errorf("failed to select %s: %w", table, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return rows.Err()
	})
	return out, err
}

// execIDs runs stmt once per chunk of ids, with the chunk bound to the
// trailing placeholder list, and returns the rows affected.
func execIDs(ctx context.Context, tx *sql.Tx, stmt string, ids []string) (int, error) {
	total := 0
	err := inChunks(ids, func(chunk []string) error {
		res, err := tx.ExecContext(ctx, stmt+" ("+placeholders(len(chunk))+")", anyArgs(chunk)...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += int(n)
		return nil
	})
	return total, err
}

// deleteRows removes nodes and then the candidate messages, environments and
// map states that no surviving row still references. Pointers at deleted
// nodes and messages are cleared.
func (s *SQLiteStore) deleteRows(ctx context.Context, tx *sql.Tx, nodeIDs, msgIDs, envIDs, mapIDs []string, orphans bool) (PruneResult, error) {
	var res PruneResult
	var err error

	if res.GameStates, err = execIDs(ctx, tx, "DELETE FROM game_states WHERE id IN", nodeIDs); err != nil {
		return res, fmt.Errorf("failed to delete game states: %w", err)
	}
	if _, err = execIDs(ctx, tx, "UPDATE game_states SET previous_game_state_id = NULL WHERE previous_game_state_id IN", nodeIDs); err != nil {
		return res, fmt.Errorf("failed to detach children: %w", err)
	}

	msgIDs, err = selectIDs(ctx, tx, "messages",
		"NOT EXISTS (SELECT 1 FROM game_states g WHERE g.message_id = t.id)", msgIDs)
	if err != nil {
		return res, err
	}
	if res.Messages, err = execIDs(ctx, tx, "DELETE FROM messages WHERE id IN", msgIDs); err != nil {
		return res, fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err = execIDs(ctx, tx, "UPDATE messages SET previous_message_id = NULL WHERE previous_message_id IN", msgIDs); err != nil {
		return res, fmt.Errorf("failed to detach messages: %w", err)
	}

	if !orphans {
		return res, nil
	}

	envIDs, err = selectIDs(ctx, tx, "environments",
		`NOT EXISTS (SELECT 1 FROM game_states g WHERE g.environment_id = t.id)
		AND NOT EXISTS (SELECT 1 FROM environments e WHERE e.previous_environment_id = t.id)`, envIDs)
	if err != nil {
		return res, err
	}
	if res.Environments, err = execIDs(ctx, tx, "DELETE FROM environments WHERE id IN", envIDs); err != nil {
		return res, fmt.Errorf("failed to delete environments: %w", err)
	}

	mapIDs, err = selectIDs(ctx, tx, "map_states",
		"NOT EXISTS (SELECT 1 FROM game_states g WHERE g.map_state_id = t.id)", mapIDs)
	if err != nil {
		return res, err
	}
	if res.MapStates, err = execIDs(ctx, tx, "DELETE FROM map_states WHERE id IN", mapIDs); err != nil {
		return res, fmt.Errorf("failed to delete map states: %w", err)
	}
	return res, nil
}

// Current implements GraphStore.
func (s *SQLiteStore) Current(ctx context.Context, ownerID string) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT current_game_state_id FROM owners WHERE id = ?", ownerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get current game state: %w", err)
	}
	return id.String, nil
}

// SetCurrent implements GraphStore.
func (s *SQLiteStore) SetCurrent(ctx context.Context, ownerID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		gs, err := s.getGameState(ctx, tx, id)
		if err != nil {
			return err
		}
		if gs.OwnerID != ownerID {
			return fmt.Errorf("%w: game state %s", ErrNotFound, id)
		}
		return setCurrent(ctx, tx, ownerID, id)
	})
}

// Counts implements GraphStore.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM game_states),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM environments),
			(SELECT COUNT(*) FROM map_states),
			(SELECT COUNT(*) FROM saves)
	`).Scan(&c.GameStates, &c.Messages, &c.Environments, &c.MapStates, &c.Saves)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/talebranch/pkg/usage"
)

// MemoryStore is an in-process arena implementing Store. Rows live in maps
// keyed by ID and are copied on the way in and out. A single mutex serializes
// every operation, so transactions never conflict.
type MemoryStore struct {
	mu sync.Mutex

	gameStates   map[string]*GameState
	messages     map[string]*Message
	environments map[string]*Environment
	mapStates    map[string]*MapState
	saves        map[string]*Save
	current      map[string]string
	usage        map[string]*usage.Daily

	maxDepth     int
	pruneOrphans bool
	now          func() time.Time
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	maxDepth     int
	pruneOrphans bool
	driver       string
}

func defaultOptions() storeOptions {
	return storeOptions{maxDepth: DefaultMaxChainDepth, pruneOrphans: true, driver: DriverModernc}
}

// WithMaxChainDepth bounds chain walks. Values <= 0 keep the default.
func WithMaxChainDepth(n int) Option {
	return func(o *storeOptions) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// WithPruneOrphans controls whether Prune also removes environments and map
// states that no surviving row references.
func WithPruneOrphans(enabled bool) Option {
	return func(o *storeOptions) { o.pruneOrphans = enabled }
}

// NewMemoryStore creates an empty arena store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		gameStates:   make(map[string]*GameState),
		messages:     make(map[string]*Message),
		environments: make(map[string]*Environment),
		mapStates:    make(map[string]*MapState),
		saves:        make(map[string]*Save),
		current:      make(map[string]string),
		usage:        make(map[string]*usage.Daily),
		maxDepth:     o.maxDepth,
		pruneOrphans: o.pruneOrphans,
		now:          time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneGameState(g *GameState) *GameState {
	c := *g
	c.Sprites = slices.Clone(g.Sprites)
	c.Followers = slices.Clone(g.Followers)
	return &c
}

func cloneEnvironment(e *Environment) *Environment {
	c := *e
	c.PreviousCharacters = slices.Clone(e.PreviousCharacters)
	if e.PreviousSummary != nil {
		s := *e.PreviousSummary
		c.PreviousSummary = &s
	}
	return &c
}

func cloneMapState(m *MapState) *MapState {
	c := *m
	c.Placements = slices.Clone(m.Placements)
	return &c
}

func cloneMessage(m *Message) *Message {
	c := *m
	return &c
}

func cloneSave(s *Save) *Save {
	c := *s
	return &c
}

// CreateRoot implements GraphStore.
func (s *MemoryStore) CreateRoot(ctx context.Context, ownerID string, root RootSpec) (*GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	env := &Environment{ID: uuid.New().String(), OwnerID: ownerID, Location: root.Location, CreatedAt: now}
	ms := &MapState{ID: uuid.New().String(), OwnerID: ownerID, Time: root.Time, Placements: slices.Clone(root.Placements), CreatedAt: now}
	gs := &GameState{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		EnvironmentID: env.ID,
		MapStateID:    ms.ID,
		Sprites:       slices.Clone(root.Sprites),
		Music:         root.Music,
		Followers:     []string{},
		Links:         1,
		CreatedAt:     now,
	}

	s.environments[env.ID] = env
	s.mapStates[ms.ID] = ms
	s.gameStates[gs.ID] = gs
	s.current[ownerID] = gs.ID
	return cloneGameState(gs), nil
}

// Append implements GraphStore.
func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) ([]*GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.gameStates[req.ParentID]
	if !ok || parent.OwnerID != req.OwnerID {
		return nil, fmt.Errorf("%w: game state %s", ErrNotFound, req.ParentID)
	}

	now := s.now()
	created := make([]*GameState, 0, len(req.Children))
	for _, spec := range req.Children {
		gs := &GameState{
			ID:            uuid.New().String(),
			OwnerID:       req.OwnerID,
			PreviousID:    parent.ID,
			MessageID:     parent.MessageID,
			EnvironmentID: parent.EnvironmentID,
			MapStateID:    parent.MapStateID,
			Sprites:       slices.Clone(spec.Sprites),
			Music:         spec.Music,
			Followers:     slices.Clone(spec.Followers),
			Links:         1,
			CreatedAt:     now,
		}
		if gs.Followers == nil {
			gs.Followers = []string{}
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
				PreviousCharacters: slices.Clone(spec.Environment.PreviousCharacters),
				CreatedAt:          now,
			}
			s.environments[env.ID] = cloneEnvironment(env)
			gs.EnvironmentID = env.ID
		}
		if spec.MapState != nil {
			ms := &MapState{
				ID:         uuid.New().String(),
				OwnerID:    req.OwnerID,
				Time:       spec.MapState.Time,
				Placements: slices.Clone(spec.MapState.Placements),
				CreatedAt:  now,
			}
			s.mapStates[ms.ID] = ms
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
			s.messages[msg.ID] = msg
			gs.MessageID = msg.ID
		}

		s.gameStates[gs.ID] = gs
		created = append(created, cloneGameState(gs))
		parent = gs
	}

	if req.MakeCurrent && len(created) > 0 {
		s.current[req.OwnerID] = created[len(created)-1].ID
	}
	return created, nil
}

// GetGameState implements GraphStore.
func (s *MemoryStore) GetGameState(ctx context.Context, id string) (*GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.gameStates[id]
	if !ok {
		return nil, fmt.Errorf("%w: game state %s", ErrNotFound, id)
	}
	return cloneGameState(gs), nil
}

// GetMessage implements GraphStore.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return cloneMessage(m), nil
}

// GetEnvironment implements GraphStore.
func (s *MemoryStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.environments[id]
	if !ok {
		return nil, fmt.Errorf("%w: environment %s", ErrNotFound, id)
	}
	return cloneEnvironment(e), nil
}

// GetMapState implements GraphStore.
func (s *MemoryStore) GetMapState(ctx context.Context, id string) (*MapState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mapStates[id]
	if !ok {
		return nil, fmt.Errorf("%w: map state %s", ErrNotFound, id)
	}
	return cloneMapState(m), nil
}

func (s *MemoryStore) nodeChain(id string) ([]chainLink, error) {
	return followChain(id, s.maxDepth, func(id string) (string, bool, error) {
		gs, ok := s.gameStates[id]
		if !ok {
			return "", false, nil
		}
		return gs.PreviousID, true, nil
	})
}

// AncestorChain implements GraphStore.
func (s *MemoryStore) AncestorChain(ctx context.Context, id string, page Page) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := s.nodeChain(id)
	if err != nil {
		return nil, err
	}
	return window(linkIDs(links), page), nil
}

// MessageChain implements GraphStore.
func (s *MemoryStore) MessageChain(ctx context.Context, messageID string, page Page) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := followChain(messageID, s.maxDepth, func(id string) (string, bool, error) {
		m, ok := s.messages[id]
		if !ok {
			return "", false, nil
		}
		return m.PreviousID, true, nil
	})
	if err != nil {
		return nil, err
	}

	ids := window(linkIDs(links), page)
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMessage(s.messages[id]))
	}
	return out, nil
}

// EnvironmentSummaries implements GraphStore.
func (s *MemoryStore) EnvironmentSummaries(ctx context.Context, environmentID, character string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := followChain(environmentID, s.maxDepth, func(id string) (string, bool, error) {
		e, ok := s.environments[id]
		if !ok {
			return "", false, nil
		}
		return e.PreviousID, true, nil
	})
	if err != nil {
		return nil, err
	}

	envs := make([]*Environment, 0, len(links))
	for _, l := range links {
		envs = append(envs, s.environments[l.ID])
	}
	return selectSummaries(envs, character, limit), nil
}

// History implements GraphStore.
func (s *MemoryStore) History(ctx context.Context, id string, page Page) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := s.nodeChain(id)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for _, nodeID := range window(linkIDs(links), page) {
		gs := s.gameStates[nodeID]
		if gs.MessageID == "" {
			continue
		}
		m, ok := s.messages[gs.MessageID]
		if !ok {
			continue
		}
		out = append(out, HistoryEntry{GameStateID: gs.ID, Message: cloneMessage(m)})
	}
	return out, nil
}

func (s *MemoryStore) adjustLinks(id string, delta int) error {
	links, err := s.nodeChain(id)
	if err != nil {
		return err
	}
	for _, l := range links {
		if s.gameStates[l.ID].Links+delta < 0 {
			return fmt.Errorf("%w: links of %s would become negative", ErrGraphConsistency, l.ID)
		}
	}
	for _, l := range links {
		s.gameStates[l.ID].Links += delta
	}
	return nil
}

// AdjustLinks implements GraphStore.
func (s *MemoryStore) AdjustLinks(ctx context.Context, id string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLinks(id, delta)
}

// Prune implements GraphStore.
func (s *MemoryStore) Prune(ctx context.Context, id string) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	links, err := s.nodeChain(id)
	if err != nil {
		return PruneResult{}, err
	}
	chain := make([]prunable, 0, len(links))
	for _, l := range links {
		gs := s.gameStates[l.ID]
		chain = append(chain, prunable{
			ID:            gs.ID,
			MessageID:     gs.MessageID,
			EnvironmentID: gs.EnvironmentID,
			MapStateID:    gs.MapStateID,
			Links:         gs.Links,
		})
	}

	doomed := zeroLinked(chain)
	if len(doomed) == 0 {
		return PruneResult{}, nil
	}
	nodeIDs := make([]string, 0, len(doomed))
	var msgIDs, envIDs, mapIDs []string
	for _, n := range doomed {
		nodeIDs = append(nodeIDs, n.ID)
		msgIDs = append(msgIDs, n.MessageID)
		envIDs = append(envIDs, n.EnvironmentID)
		mapIDs = append(mapIDs, n.MapStateID)
	}
	return s.deleteRows(nodeIDs, uniq(msgIDs), uniq(envIDs), uniq(mapIDs), s.pruneOrphans), nil
}

// deleteRows removes nodes and then the candidate messages, environments and
// map states that no surviving row still references. Pointers at deleted
// nodes and messages are cleared.
func (s *MemoryStore) deleteRows(nodeIDs, msgIDs, envIDs, mapIDs []string, orphans bool) PruneResult {
	var res PruneResult
	deleted := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		if _, ok := s.gameStates[id]; ok {
			delete(s.gameStates, id)
			deleted[id] = true
			res.GameStates++
		}
	}
	for _, gs := range s.gameStates {
		if deleted[gs.PreviousID] {
			gs.PreviousID = ""
		}
	}

	referenced := func(match func(*GameState) bool) bool {
		for _, gs := range s.gameStates {
			if match(gs) {
				return true
			}
		}
		return false
	}

	deletedMsgs := make(map[string]bool)
	for _, id := range msgIDs {
		if _, ok := s.messages[id]; !ok || referenced(func(g *GameState) bool { return g.MessageID == id }) {
			continue
		}
		delete(s.messages, id)
		deletedMsgs[id] = true
		res.Messages++
	}
	for _, m := range s.messages {
		if deletedMsgs[m.PreviousID] {
			m.PreviousID = ""
		}
	}

	if !orphans {
		return res
	}
	for _, id := range envIDs {
		if _, ok := s.environments[id]; !ok || referenced(func(g *GameState) bool { return g.EnvironmentID == id }) {
			continue
		}
		chained := false
		for _, e := range s.environments {
			if e.PreviousID == id {
				chained = true
				break
			}
		}
		if chained {
			continue
		}
		delete(s.environments, id)
		res.Environments++
	}
	for _, id := range mapIDs {
		if _, ok := s.mapStates[id]; !ok || referenced(func(g *GameState) bool { return g.MapStateID == id }) {
			continue
		}
		delete(s.mapStates, id)
		res.MapStates++
	}
	return res
}

// Current implements GraphStore.
func (s *MemoryStore) Current(ctx context.Context, ownerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[ownerID], nil
}

// SetCurrent implements GraphStore.
func (s *MemoryStore) SetCurrent(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.gameStates[id]
	if !ok || gs.OwnerID != ownerID {
		return fmt.Errorf("%w: game state %s", ErrNotFound, id)
	}
	s.current[ownerID] = id
	return nil
}

// Counts implements GraphStore.
func (s *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		GameStates:   int64(len(s.gameStates)),
		Messages:     int64(len(s.messages)),
		Environments: int64(len(s.environments)),
		MapStates:    int64(len(s.mapStates)),
		Saves:        int64(len(s.saves)),
	}, nil
}

// Close implements GraphStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateSave implements SaveStore.
func (s *MemoryStore) CreateSave(ctx context.Context, ownerID, gameStateID, description string) (*Save, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gs, ok := s.gameStates[gameStateID]
	if !ok || gs.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: game state %s", ErrNotFound, gameStateID)
	}
	if err := s.adjustLinks(gameStateID, 1); err != nil {
		return nil, err
	}
	save := &Save{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		GameStateID: gameStateID,
		Description: description,
		CreatedAt:   s.now(),
	}
	s.saves[save.ID] = save
	return cloneSave(save), nil
}

// GetSave implements SaveStore.
func (s *MemoryStore) GetSave(ctx context.Context, ownerID, id string) (*Save, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	save, ok := s.saves[id]
	if !ok || save.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: save %s", ErrNotFound, id)
	}
	return cloneSave(save), nil
}

// ListSaves implements SaveStore.
func (s *MemoryStore) ListSaves(ctx context.Context, ownerID string, page Page) ([]*Save, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Save
	for _, save := range s.saves {
		if save.OwnerID == ownerID {
			all = append(all, cloneSave(save))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return window(all, page), nil
}

// RenameSave implements SaveStore.
func (s *MemoryStore) RenameSave(ctx context.Context, ownerID, id, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	save, ok := s.saves[id]
	if !ok || save.OwnerID != ownerID {
		return fmt.Errorf("%w: save %s", ErrNotFound, id)
	}
	save.Description = description
	return nil
}

// DeleteSave implements SaveStore.
func (s *MemoryStore) DeleteSave(ctx context.Context, ownerID, id string) (*Save, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	save, ok := s.saves[id]
	if !ok || save.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: save %s", ErrNotFound, id)
	}
	if err := s.adjustLinks(save.GameStateID, -1); err != nil {
		return nil, err
	}
	delete(s.saves, id)
	return cloneSave(save), nil
}

// PurgeOwner implements Store.
func (s *MemoryStore) PurgeOwner(ctx context.Context, ownerID string) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res PruneResult
	for id, save := range s.saves {
		if save.OwnerID == ownerID {
			delete(s.saves, id)
			res.Saves++
		}
	}
	for id, gs := range s.gameStates {
		if gs.OwnerID == ownerID {
			delete(s.gameStates, id)
			res.GameStates++
		}
	}
	for id, m := range s.messages {
		if m.OwnerID == ownerID {
			delete(s.messages, id)
			res.Messages++
		}
	}
	for id, e := range s.environments {
		if e.OwnerID == ownerID {
			delete(s.environments, id)
			res.Environments++
		}
	}
	for id, m := range s.mapStates {
		if m.OwnerID == ownerID {
			delete(s.mapStates, id)
			res.MapStates++
		}
	}
	delete(s.current, ownerID)
	return res, nil
}

func usageKey(ownerID string, day time.Time) string {
	return ownerID + "/" + day.Format(time.DateOnly)
}

// AddUsage implements usage.Store.
func (s *MemoryStore) AddUsage(ctx context.Context, ownerID string, day time.Time, delta usage.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(ownerID, day)
	row, ok := s.usage[key]
	if !ok {
		row = &usage.Daily{OwnerID: ownerID, Day: day, Counters: make(map[usage.Key]usage.Counter)}
		s.usage[key] = row
	}
	for k, c := range delta {
		cur := row.Counters[k]
		cur.InputTokens += c.InputTokens
		cur.OutputTokens += c.OutputTokens
		cur.Queries += c.Queries
		row.Counters[k] = cur
	}
	return nil
}

// GetUsage implements usage.Store.
func (s *MemoryStore) GetUsage(ctx context.Context, ownerID string, day time.Time) (*usage.Daily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &usage.Daily{OwnerID: ownerID, Day: day, Counters: make(map[usage.Key]usage.Counter)}
	if row, ok := s.usage[usageKey(ownerID, day)]; ok {
		for k, c := range row.Counters {
			out.Counters[k] = c
		}
	}
	return out, nil
}

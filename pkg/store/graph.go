// Package store provides storage implementations for talebranch's branching
// game-state graph.
//
// Every row is immutable once written except for GameState.Links, the
// reference count that keeps a node and its ancestors alive. Nodes, messages
// and environments each form their own singly linked chain through a
// previous pointer; traversal always walks toward the root.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dan-solli/talebranch/pkg/usage"
)

var (
	// ErrNotFound indicates a referenced row does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("not found")

	// ErrGraphConsistency indicates a chain walk met a cycle, a dangling
	// previous pointer, or more rows than the configured maximum depth.
	ErrGraphConsistency = errors.New("graph consistency violation")

	// ErrConcurrencyConflict indicates the backend refused a transaction
	// because another writer held the lock. The operation may be retried.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Sprite is how a character present at the location is drawn.
type Sprite struct {
	Character  string `json:"character"`
	Clothes    string `json:"clothes"`
	Pose       string `json:"pose"`
	Expression string `json:"facial_expression"`
}

// Placement is where a character is on the map and what they wear.
type Placement struct {
	Character string `json:"character"`
	Location  string `json:"location"`
	Clothes   string `json:"clothes"`
}

// GameState is one node of the branching narrative graph.
type GameState struct {
	ID            string    // Unique identifier (UUID)
	OwnerID       string    // Owning player
	PreviousID    string    // Parent node, empty for a root
	MessageID     string    // Most recent message, empty when none
	EnvironmentID string    // Environment the node is in
	MapStateID    string    // Map snapshot the node is in
	Sprites       []Sprite  // Characters present, in display order
	Music         string    // Current music mood
	Followers     []string  // Characters following the protagonist
	Links         int       // Reference count, never negative
	CreatedAt     time.Time // Timestamp of creation
}

// HasSprite reports whether character is drawn on this node.
func (g *GameState) HasSprite(character string) bool {
	for _, s := range g.Sprites {
		if s.Character == character {
			return true
		}
	}
	return false
}

// IsFollower reports whether character follows the protagonist.
func (g *GameState) IsFollower(character string) bool {
	for _, f := range g.Followers {
		if f == character {
			return true
		}
	}
	return false
}

// Child returns a ChildSpec that reproduces this node's presentation. Callers
// change only what their transition alters.
func (g *GameState) Child() ChildSpec {
	return ChildSpec{
		Sprites:   append([]Sprite{}, g.Sprites...),
		Music:     g.Music,
		Followers: append([]string{}, g.Followers...),
	}
}

// Message is one utterance in an environment's dialogue.
type Message struct {
	ID            string
	OwnerID       string
	PreviousID    string // Earlier message in the same chain, empty for the first
	Speaker       string // Character tag, or the protagonist's tag for the player
	Text          string // Text in the generation language
	DisplayedText string // Text in the display language
	CreatedAt     time.Time
}

// Environment is a stay at one location. It remembers a summary of the stay
// before it and who was present there.
type Environment struct {
	ID                 string
	OwnerID            string
	PreviousID         string
	Location           string
	PreviousSummary    *string  // nil when the previous stay had nothing to summarize
	PreviousCharacters []string // roster of the previous stay
	CreatedAt          time.Time
}

// MapState is a snapshot of where every character is.
type MapState struct {
	ID         string
	OwnerID    string
	Time       string
	Placements []Placement
	CreatedAt  time.Time
}

// Save is a named bookmark holding one link on a node's chain.
type Save struct {
	ID          string
	OwnerID     string
	GameStateID string
	Description string
	CreatedAt   time.Time
}

// Page selects a window of a chain by position, counted from the start node.
// Limit <= 0 means no limit; negative offsets are treated as zero.
type Page struct {
	Limit  int
	Offset int
}

// HistoryEntry pairs a message with the node that introduced it.
type HistoryEntry struct {
	GameStateID string
	Message     *Message
}

// PruneResult counts the rows removed by Prune or PurgeOwner.
type PruneResult struct {
	GameStates   int
	Messages     int
	Environments int
	MapStates    int
	Saves        int
}

// Counts reports stored row totals.
type Counts struct {
	GameStates   int64
	Messages     int64
	Environments int64
	MapStates    int64
	Saves        int64
}

// NewMessage describes a message to append to the parent's message chain.
type NewMessage struct {
	Speaker       string
	Text          string
	DisplayedText string
}

// NewEnvironment describes an environment chained after the parent's.
type NewEnvironment struct {
	Location           string
	PreviousSummary    *string
	PreviousCharacters []string
}

// NewMapState describes a fresh map snapshot.
type NewMapState struct {
	Time       string
	Placements []Placement
}

// ChildSpec describes a node to append.
//
// Message nil keeps the parent's message pointer unless ClearMessage is set.
// Environment and MapState nil share the parent's rows. Sprites, Music and
// Followers are taken as given; use GameState.Child for a baseline.
type ChildSpec struct {
	Message      *NewMessage
	ClearMessage bool
	Sprites      []Sprite
	Music        string
	Followers    []string
	Environment  *NewEnvironment
	MapState     *NewMapState
}

// RootSpec describes the first node of a new game.
type RootSpec struct {
	Location   string
	Time       string
	Placements []Placement
	Sprites    []Sprite
	Music      string
}

// AppendRequest appends Children as a chain below ParentID: the first child
// hangs off the parent, each later child off the one before it.
type AppendRequest struct {
	OwnerID     string
	ParentID    string
	Children    []ChildSpec
	MakeCurrent bool // point the owner's current pointer at the last child
}

// GraphStore defines storage operations for the game-state graph.
// Every mutating method runs in a single transaction and either applies
// completely or not at all.
type GraphStore interface {
	// CreateRoot creates a node with no parent together with its own
	// Environment and MapState. The node starts with one link and becomes
	// the owner's current node.
	CreateRoot(ctx context.Context, ownerID string, root RootSpec) (*GameState, error)

	// Append creates the requested child nodes. Each new node starts with
	// one link. Ancestor links are not touched.
	// Returns ErrNotFound if the parent does not exist or belongs to another owner.
	Append(ctx context.Context, req AppendRequest) ([]*GameState, error)

	// GetGameState retrieves a node by ID.
	// Returns ErrNotFound if the node does not exist.
	GetGameState(ctx context.Context, id string) (*GameState, error)

	// GetMessage retrieves a message by ID.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// GetEnvironment retrieves an environment by ID.
	GetEnvironment(ctx context.Context, id string) (*Environment, error)

	// GetMapState retrieves a map snapshot by ID.
	GetMapState(ctx context.Context, id string) (*MapState, error)

	// AncestorChain returns node IDs from id toward the root, closest first,
	// windowed by page. The start node is position 0.
	AncestorChain(ctx context.Context, id string, page Page) ([]string, error)

	// MessageChain returns messages from messageID toward the first message,
	// closest first, windowed by page.
	MessageChain(ctx context.Context, messageID string, page Page) ([]*Message, error)

	// EnvironmentSummaries walks the environment chain from environmentID and
	// returns the summaries of environments whose previous roster contains
	// character. At most limit summaries are kept, preferring the most
	// recent; they are returned oldest first.
	EnvironmentSummaries(ctx context.Context, environmentID, character string, limit int) ([]string, error)

	// History walks the node chain from id, windowed by page over chain
	// positions, and returns the message each node points at. Nodes without a
	// message are skipped.
	History(ctx context.Context, id string, page Page) ([]HistoryEntry, error)

	// AdjustLinks adds delta to the link count of id and every ancestor.
	// Returns ErrGraphConsistency if any count would become negative.
	AdjustLinks(ctx context.Context, id string, delta int) error

	// Prune deletes every node on the chain from id whose link count is zero,
	// wherever it sits on the chain, along with the message it points at.
	// Children of deleted nodes become roots.
	Prune(ctx context.Context, id string) (PruneResult, error)

	// Current returns the owner's current node ID, or "" when none.
	Current(ctx context.Context, ownerID string) (string, error)

	// SetCurrent points the owner's current pointer at id without touching links.
	SetCurrent(ctx context.Context, ownerID, id string) error

	// Counts returns row totals for metrics.
	Counts(ctx context.Context) (Counts, error)

	// Close releases any resources held by the store.
	Close() error
}

// SaveStore manages save bookmarks. Saves are owner scoped: another owner's
// save is reported as ErrNotFound.
type SaveStore interface {
	// CreateSave records a save and adds one link to the node's chain in the
	// same transaction.
	CreateSave(ctx context.Context, ownerID, gameStateID, description string) (*Save, error)

	// GetSave retrieves a save.
	GetSave(ctx context.Context, ownerID, id string) (*Save, error)

	// ListSaves returns the owner's saves, newest first.
	ListSaves(ctx context.Context, ownerID string, page Page) ([]*Save, error)

	// RenameSave replaces a save's description.
	RenameSave(ctx context.Context, ownerID, id, description string) error

	// DeleteSave removes a save and subtracts its link from the node's chain
	// in the same transaction. The caller prunes afterwards.
	DeleteSave(ctx context.Context, ownerID, id string) (*Save, error)
}

// Store is everything the engine persists.
type Store interface {
	GraphStore
	SaveStore
	usage.Store

	// PurgeOwner deletes every node, message, environment, map state and save
	// of ownerID by explicit ID sets, and clears the current pointer. Usage
	// rows are kept.
	PurgeOwner(ctx context.Context, ownerID string) (PruneResult, error)
}

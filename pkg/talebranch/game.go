package talebranch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/pipeline"
	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/usage"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Player is the caller of a turn operation.
type Player struct {
	ID      string `validate:"required"`
	Persona capability.Persona
	// Language is the display language; language.Und means the generation
	// language.
	Language language.Tag
	Tier     capability.Tier `validate:"omitempty,oneof=standard premium"`
}

func (p Player) tier() capability.Tier {
	if p.Tier == "" {
		return capability.TierStandard
	}
	return p.Tier
}

func checkPlayer(p Player) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

func checkOwner(ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidArgument)
	}
	return nil
}

// View is a node together with the rows it points at.
type View struct {
	GameState   *store.GameState
	Environment *store.Environment
	MapState    *store.MapState
	Message     *store.Message // nil when the node has no message
}

// Turn is the outcome of Interact.
type Turn struct {
	*View
	Speaker   string
	Committed bool
	Usage     usage.Delta
}

func (e *Engine) view(ctx context.Context, gs *store.GameState) (*View, error) {
	env, err := e.store.GetEnvironment(ctx, gs.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment of %s: %w", gs.ID, err)
	}
	ms, err := e.store.GetMapState(ctx, gs.MapStateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load map state of %s: %w", gs.ID, err)
	}
	v := &View{GameState: gs, Environment: env, MapState: ms}
	if gs.MessageID != "" {
		msg, err := e.store.GetMessage(ctx, gs.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to load message of %s: %w", gs.ID, err)
		}
		v.Message = msg
	}
	return v, nil
}

// node returns the owner's node id, or the owner's current node when id is
// empty. Another owner's node is reported as not found.
func (e *Engine) node(ctx context.Context, ownerID, id string) (*store.GameState, error) {
	if id == "" {
		cur, err := e.store.Current(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if cur == "" {
			return nil, ErrNoCurrentGame
		}
		id = cur
	}
	gs, err := e.store.GetGameState(ctx, id)
	if err != nil {
		return nil, err
	}
	if gs.OwnerID != ownerID {
		return nil, fmt.Errorf("game state %s: %w", id, store.ErrNotFound)
	}
	return gs, nil
}

// View returns a node of the owner, or the current node when gameStateID is
// empty.
func (e *Engine) View(ctx context.Context, ownerID, gameStateID string) (*View, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	gs, err := e.node(ctx, ownerID, gameStateID)
	if err != nil {
		return nil, err
	}
	return e.view(ctx, gs)
}

// NewGame starts a new game for the owner. The previous game, if any, loses
// the owner's link and is pruned.
func (e *Engine) NewGame(ctx context.Context, ownerID string) (v *View, err error) {
	ctx, op := e.begin(ctx, OpNewGame, ownerID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	return e.newGame(ctx, op, ownerID)
}

func (e *Engine) newGame(ctx context.Context, op *operation, ownerID string) (*View, error) {
	previous, err := e.store.Current(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	start := e.catalog.StartTime()
	placements, err := e.placements(start)
	if err != nil {
		return nil, err
	}
	root, err := e.store.CreateRoot(ctx, ownerID, store.RootSpec{
		Location:   e.catalog.Protagonist.Home,
		Time:       start,
		Placements: placements,
		Music:      e.catalog.Music.Silence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create root: %w", err)
	}
	op.set("game_state_id", root.ID)

	if previous != "" {
		op.set("previous_game_state_id", previous)
		if err := e.release(ctx, ownerID, previous); err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "new game started",
		slog.String("owner", ownerID),
		slog.String("game_state_id", root.ID),
	)
	return e.view(ctx, root)
}

// Continue returns the owner's current node, starting a new game when the
// owner has none.
func (e *Engine) Continue(ctx context.Context, ownerID string) (v *View, err error) {
	ctx, op := e.begin(ctx, OpContinue, ownerID)
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	cur, err := e.store.Current(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if cur == "" {
		op.mutating = true
		return e.newGame(ctx, op, ownerID)
	}
	op.set("game_state_id", cur)
	gs, err := e.node(ctx, ownerID, cur)
	if err != nil {
		return nil, err
	}
	return e.view(ctx, gs)
}

// Load switches the owner's current pointer to gameStateID. The target chain
// gains a link before the previous chain loses one, so a shared prefix is
// never pruned in between.
func (e *Engine) Load(ctx context.Context, ownerID, gameStateID string) (v *View, err error) {
	ctx, op := e.begin(ctx, OpLoad, ownerID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	if gameStateID == "" {
		return nil, fmt.Errorf("%w: game state id is required", ErrInvalidArgument)
	}
	return e.load(ctx, op, ownerID, gameStateID)
}

// LoadSave loads the node a save points at.
func (e *Engine) LoadSave(ctx context.Context, ownerID, saveID string) (v *View, err error) {
	ctx, op := e.begin(ctx, OpLoad, ownerID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	op.set("save_id", saveID)
	save, err := e.store.GetSave(ctx, ownerID, saveID)
	if err != nil {
		return nil, err
	}
	return e.load(ctx, op, ownerID, save.GameStateID)
}

func (e *Engine) load(ctx context.Context, op *operation, ownerID, gameStateID string) (*View, error) {
	op.set("game_state_id", gameStateID)
	target, err := e.node(ctx, ownerID, gameStateID)
	if err != nil {
		return nil, err
	}
	previous, err := e.store.Current(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if previous == target.ID {
		op.noop = true
		return e.view(ctx, target)
	}

	if err := e.store.AdjustLinks(ctx, target.ID, 1); err != nil {
		return nil, fmt.Errorf("failed to link %s: %w", target.ID, err)
	}
	if err := e.store.SetCurrent(ctx, ownerID, target.ID); err != nil {
		if undoErr := e.store.AdjustLinks(ctx, target.ID, -1); undoErr != nil {
			e.logger.ErrorContext(ctx, "failed to undo link after load failure",
				slog.String("owner", ownerID),
				slog.String("game_state_id", target.ID),
				slog.String("error", undoErr.Error()),
			)
		}
		return nil, fmt.Errorf("failed to set current: %w", err)
	}
	if previous != "" {
		op.set("previous_game_state_id", previous)
		if err := e.release(ctx, ownerID, previous); err != nil {
			return nil, err
		}
	}

	gs, err := e.store.GetGameState(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	return e.view(ctx, gs)
}

// ChangeLocation moves the protagonist and followers to location. The
// dialogue of the stay being left is summarized into the new environment.
// Changing to the current location is a no-op.
func (e *Engine) ChangeLocation(ctx context.Context, player Player, gameStateID, location string) (v *View, err error) {
	ctx, op := e.begin(ctx, OpChangeLocation, player.ID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkPlayer(player); err != nil {
		return nil, err
	}
	if _, err := e.catalog.Location(location); err != nil {
		return nil, err
	}
	op.set("location", location)

	node, err := e.node(ctx, player.ID, gameStateID)
	if err != nil {
		return nil, err
	}
	op.set("game_state_id", node.ID)
	current, err := e.view(ctx, node)
	if err != nil {
		return nil, err
	}
	if current.Environment.Location == location {
		op.noop = true
		return current, nil
	}

	child := node.Child()
	child.ClearMessage = true
	child.Music = e.catalog.Music.Arrival

	placements := current.MapState.Placements
	if len(node.Followers) > 0 {
		placements = make([]store.Placement, len(current.MapState.Placements))
		for i, p := range current.MapState.Placements {
			if node.IsFollower(p.Character) {
				p.Location = location
			}
			placements[i] = p
		}
		child.MapState = &store.NewMapState{Time: current.MapState.Time, Placements: placements}
	}

	child.Sprites, err = e.spritesAt(location, placements)
	if err != nil {
		return nil, err
	}

	delta := usage.Delta{}
	summary, err := e.summarize(ctx, player, node, delta)
	if err != nil {
		return nil, err
	}
	child.Environment = &store.NewEnvironment{
		Location:           location,
		PreviousSummary:    summary,
		PreviousCharacters: roster(node),
	}
	return e.commit(ctx, op, player, node, child, delta)
}

// AdvanceTime moves the clock to the next time of day at the protagonist's
// home with a freshly drawn map. Followers come along.
func (e *Engine) AdvanceTime(ctx context.Context, player Player, gameStateID string) (v *View, err error) {
	ctx, op := e.begin(ctx, OpAdvanceTime, player.ID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkPlayer(player); err != nil {
		return nil, err
	}
	node, err := e.node(ctx, player.ID, gameStateID)
	if err != nil {
		return nil, err
	}
	op.set("game_state_id", node.ID)
	ms, err := e.store.GetMapState(ctx, node.MapStateID)
	if err != nil {
		return nil, err
	}
	next, err := e.catalog.NextTime(ms.Time)
	if err != nil {
		return nil, err
	}
	op.set("time", next)

	home := e.catalog.Protagonist.Home
	placements, err := e.placements(next)
	if err != nil {
		return nil, err
	}
	for i := range placements {
		if node.IsFollower(placements[i].Character) {
			placements[i].Location = home
		}
	}

	child := node.Child()
	child.ClearMessage = true
	child.Music = e.catalog.Music.Silence
	child.MapState = &store.NewMapState{Time: next, Placements: placements}
	child.Sprites, err = e.spritesAt(home, placements)
	if err != nil {
		return nil, err
	}

	delta := usage.Delta{}
	summary, err := e.summarize(ctx, player, node, delta)
	if err != nil {
		return nil, err
	}
	child.Environment = &store.NewEnvironment{
		Location:           home,
		PreviousSummary:    summary,
		PreviousCharacters: roster(node),
	}
	return e.commit(ctx, op, player, node, child, delta)
}

// commit appends child below node as the owner's new current node and meters
// delta.
func (e *Engine) commit(ctx context.Context, op *operation, player Player, node *store.GameState, child store.ChildSpec, delta usage.Delta) (*View, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	created, err := e.store.Append(ctx, store.AppendRequest{
		OwnerID:     player.ID,
		ParentID:    node.ID,
		Children:    []store.ChildSpec{child},
		MakeCurrent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append: %w", err)
	}
	gs := created[len(created)-1]
	op.set("new_game_state_id", gs.ID)

	if err := e.meter.Record(ctx, player.ID, delta); err != nil {
		e.logger.WarnContext(ctx, "failed to meter usage",
			slog.String("owner", player.ID),
			slog.String("game_state_id", gs.ID),
			slog.String("error", err.Error()),
		)
	}
	return e.view(ctx, gs)
}

// summarize condenses the dialogue of node's stay. It returns nil when
// nothing was said or nobody was there to hear it.
func (e *Engine) summarize(ctx context.Context, player Player, node *store.GameState, delta usage.Delta) (*string, error) {
	if node.MessageID == "" || len(node.Sprites) == 0 {
		return nil, nil
	}
	msgs, err := e.store.MessageChain(ctx, node.MessageID, store.Page{})
	if err != nil {
		return nil, err
	}
	lines := make([]capability.Line, len(msgs))
	for i, m := range msgs {
		lines[len(msgs)-1-i] = e.line(player, m)
	}

	res, err := e.summarizer.Summarize(ctx, capability.SummaryRequest{Tier: player.tier(), Lines: lines})
	if err != nil {
		return nil, capability.Fail("summarize", err)
	}
	delta.Add(usage.CategorySummarization, player.tier(), res.Usage)
	return &res.Text, nil
}

func (e *Engine) line(player Player, m *store.Message) capability.Line {
	speaker := m.Speaker
	if speaker == e.catalog.Protagonist.Tag && player.Persona.Name != "" {
		speaker = player.Persona.Name
	}
	return capability.Line{Speaker: speaker, Text: m.Text}
}

// spritesAt draws every character placed at location in the default view for
// their clothes.
func (e *Engine) spritesAt(location string, placements []store.Placement) ([]store.Sprite, error) {
	sprites := make([]store.Sprite, 0)
	for _, p := range placements {
		if p.Location != location {
			continue
		}
		view, err := e.catalog.DefaultView(p.Character, p.Clothes)
		if err != nil {
			return nil, err
		}
		sprites = append(sprites, store.Sprite{
			Character:  p.Character,
			Clothes:    p.Clothes,
			Pose:       view.Pose,
			Expression: view.Expression,
		})
	}
	return sprites, nil
}

func roster(gs *store.GameState) []string {
	out := make([]string, len(gs.Sprites))
	for i, s := range gs.Sprites {
		out[i] = s.Character
	}
	return out
}

// Interact runs one dialogue turn on gameStateID, or on the current node
// when it is empty. Empty text lets a character speak.
func (e *Engine) Interact(ctx context.Context, player Player, gameStateID, text string) (t *Turn, err error) {
	ctx, op := e.begin(ctx, OpInteract, player.ID)
	op.mutating = true
	defer func() { err = op.end(ctx, err) }()

	if err := checkPlayer(player); err != nil {
		return nil, err
	}
	if gameStateID == "" {
		node, err := e.node(ctx, player.ID, "")
		if err != nil {
			return nil, err
		}
		gameStateID = node.ID
	}
	op.set("game_state_id", gameStateID)

	res, err := e.pipeline.Run(ctx, pipeline.Request{
		OwnerID:     player.ID,
		GameStateID: gameStateID,
		Text:        text,
		Language:    player.Language,
		Tier:        player.Tier,
		Persona:     player.Persona,
		Trace:       op.trace,
	})
	if err != nil {
		return nil, err
	}
	if !res.Committed() {
		op.noop = true
	} else {
		op.set("new_game_state_id", res.GameState.ID)
	}

	v, err := e.view(ctx, res.GameState)
	if err != nil {
		return nil, err
	}
	return &Turn{View: v, Speaker: res.Speaker, Committed: res.Committed(), Usage: res.Usage}, nil
}

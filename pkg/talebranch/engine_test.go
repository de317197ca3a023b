package talebranch

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/capability/capabilitytest"
	"github.com/dan-solli/talebranch/pkg/catalog"
	"github.com/dan-solli/talebranch/pkg/metrics"
	"github.com/dan-solli/talebranch/pkg/pipeline"
	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/trace"
	"github.com/dan-solli/talebranch/pkg/usage"
)

const owner = "owner-1"

var (
	player = Player{ID: owner, Persona: capability.Persona{Name: "Semyon", Biography: "A new pioneer."}}
	now    = time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)
)

type recordingExporter struct {
	mu      sync.Mutex
	records []*trace.TraceRecord
}

func (r *recordingExporter) Export(ctx context.Context, record *trace.TraceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *recordingExporter) Close() error { return nil }

func (r *recordingExporter) last(t *testing.T) *trace.TraceRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.records)
	return r.records[len(r.records)-1]
}

// recordingCollector keeps operation outcomes, errors, tokens and storage
// counts; every other call goes to the default collector.
type recordingCollector struct {
	metrics.Collector
	mu         sync.Mutex
	operations []string
	errors     []string
	tokens     map[string][2]int64
	counts     map[string]int64
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		Collector: metrics.Default(),
		tokens:    make(map[string][2]int64),
		counts:    make(map[string]int64),
	}
}

func (c *recordingCollector) RecordOperation(ctx context.Context, operation, status string, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operations = append(c.operations, operation+":"+status)
}

func (c *recordingCollector) RecordError(ctx context.Context, operation, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, operation+":"+errorType)
}

func (c *recordingCollector) RecordTokens(ctx context.Context, category, tier string, in, out int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.tokens[category+"/"+tier]
	c.tokens[category+"/"+tier] = [2]int64{v[0] + in, v[1] + out}
}

func (c *recordingCollector) SetStorageCount(ctx context.Context, storageType string, count int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[storageType] = count
}

type fixture struct {
	store      *store.MemoryStore
	catalog    *catalog.Catalog
	classifier *capabilitytest.Classifier
	generator  *capabilitytest.Generator
	translator *capabilitytest.Translator
	summarizer *capabilitytest.Summarizer
	exporter   *recordingExporter
	metrics    *recordingCollector
	engine     *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	f := &fixture{
		store:      store.NewMemoryStore(),
		catalog:    cat,
		classifier: capabilitytest.NewClassifier(),
		generator:  &capabilitytest.Generator{Text: "Hello there.", Usage: capability.Usage{InputTokens: 10, OutputTokens: 5}},
		translator: &capabilitytest.Translator{},
		summarizer: &capabilitytest.Summarizer{Text: "They talked.", Usage: capability.Usage{InputTokens: 7, OutputTokens: 2}},
		exporter:   &recordingExporter{},
		metrics:    newRecordingCollector(),
	}
	f.engine, err = NewWithDeps(Deps{
		Store:      f.store,
		Catalog:    cat,
		Classifier: f.classifier,
		Generator:  f.generator,
		Translator: f.translator,
		Summarizer: f.summarizer,
		Metrics:    f.metrics,
		Exporter:   f.exporter,
		Rand:       rand.New(rand.NewPCG(1, 2)),
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.engine.Close() })
	return f
}

// refuseAll keeps every character from following.
func (f *fixture) refuseAll() {
	for _, tag := range f.catalog.CharacterTags() {
		f.classifier.Scores("The "+tag+" {}", map[string]float64{pipeline.LabelRefused: 1})
	}
}

func locationOf(t *testing.T, v *View, character string) string {
	t.Helper()
	for _, p := range v.MapState.Placements {
		if p.Character == character {
			return p.Location
		}
	}
	t.Fatalf("%s is not on the map", character)
	return ""
}

func (f *fixture) otherLocation(exclude ...string) string {
outer:
	for _, loc := range f.catalog.Locations {
		for _, x := range exclude {
			if loc.Tag == x {
				continue outer
			}
		}
		return loc.Tag
	}
	return ""
}

// meetUlyana starts a game and walks to wherever ulyana is.
func (f *fixture) meetUlyana(t *testing.T) (*View, string) {
	t.Helper()
	ctx := context.Background()
	root, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)
	loc := locationOf(t, root, "ulyana")
	v, err := f.engine.ChangeLocation(ctx, player, "", loc)
	require.NoError(t, err)
	require.True(t, v.GameState.HasSprite("ulyana"))
	return v, loc
}

func (f *fixture) current(t *testing.T) string {
	t.Helper()
	id, err := f.store.Current(context.Background(), owner)
	require.NoError(t, err)
	return id
}

func (f *fixture) links(t *testing.T, id string) int {
	t.Helper()
	gs, err := f.store.GetGameState(context.Background(), id)
	require.NoError(t, err)
	return gs.Links
}

func (f *fixture) gone(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.GetGameState(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewWithDeps_RequiresDependencies(t *testing.T) {
	_, err := NewWithDeps(Deps{})
	assert.Error(t, err)

	_, err = NewWithDeps(Deps{Store: store.NewMemoryStore(), Summarizer: &capabilitytest.Summarizer{}})
	assert.Error(t, err, "pipeline dependencies are required too")
}

func TestNewGame_CreatesRootAtHome(t *testing.T) {
	f := newFixture(t)

	v, err := f.engine.NewGame(context.Background(), owner)
	require.NoError(t, err)

	gs := v.GameState
	assert.Empty(t, gs.PreviousID)
	assert.Equal(t, 1, gs.Links)
	assert.Empty(t, gs.Sprites)
	assert.Empty(t, gs.MessageID)
	assert.Equal(t, "none", gs.Music)
	assert.Equal(t, "main_character_home", v.Environment.Location)
	assert.Empty(t, v.Environment.PreviousID)
	assert.Nil(t, v.Environment.PreviousSummary)
	assert.Equal(t, "day", v.MapState.Time)
	assert.Len(t, v.MapState.Placements, len(f.catalog.Characters))
	assert.Nil(t, v.Message)
	assert.Equal(t, gs.ID, f.current(t))
}

func TestNewGame_ReleasesPreviousGame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)
	second, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	f.gone(t, first.GameState.ID)
	assert.Equal(t, second.GameState.ID, f.current(t))
	assert.Equal(t, 1, f.links(t, second.GameState.ID))
}

func TestNewGame_KeepsSavedGame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)
	_, err = f.engine.Save(ctx, owner, "", "before")
	require.NoError(t, err)

	_, err = f.engine.NewGame(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, f.links(t, first.GameState.ID))
}

func TestContinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.engine.Continue(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, started.GameState.ID, f.current(t))

	again, err := f.engine.Continue(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, started.GameState.ID, again.GameState.ID)

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.GameStates)
}

func TestLoad_SwitchesBranchAndPrunesTheOldOne(t *testing.T) {
	f := newFixture(t)
	f.refuseAll()
	ctx := context.Background()

	arrived, _ := f.meetUlyana(t)
	a := arrived.GameState
	root := a.PreviousID
	_, err := f.engine.Save(ctx, owner, a.ID, "at the meeting")
	require.NoError(t, err)
	assert.Equal(t, 2, f.links(t, a.ID))
	assert.Equal(t, 2, f.links(t, root))

	turn, err := f.engine.Interact(ctx, player, "", "Hi")
	require.NoError(t, err)
	answer := turn.GameState
	asked := answer.PreviousID

	v, err := f.engine.Load(ctx, owner, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, v.GameState.ID)
	assert.Equal(t, a.ID, f.current(t))

	f.gone(t, answer.ID)
	f.gone(t, asked)
	assert.Equal(t, 2, f.links(t, a.ID))
	assert.Equal(t, 2, f.links(t, root))
}

func TestLoad_CurrentNodeIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	loaded, err := f.engine.Load(ctx, owner, v.GameState.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.GameState.Links)
	assert.Equal(t, "noop", f.exporter.last(t).Status)
}

func TestLoad_OtherOwnersNodeIsNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.engine.NewGame(ctx, "someone-else")
	require.NoError(t, err)

	_, err = f.engine.Load(ctx, owner, v.GameState.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, ErrTypeNotFound, ClassifyError(err))
	assert.Equal(t, 1, f.links(t, v.GameState.ID))
}

func TestLoadSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)
	save, err := f.engine.Save(ctx, owner, "", "start")
	require.NoError(t, err)
	_, err = f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	v, err := f.engine.LoadSave(ctx, owner, save.ID)
	require.NoError(t, err)
	assert.Equal(t, first.GameState.ID, v.GameState.ID)
	assert.Equal(t, first.GameState.ID, f.current(t))

	_, err = f.engine.LoadSave(ctx, owner, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChangeLocation_ArrivesWithDefaultSprites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)
	loc := locationOf(t, root, "ulyana")

	v, err := f.engine.ChangeLocation(ctx, player, "", loc)
	require.NoError(t, err)

	gs := v.GameState
	assert.Equal(t, root.GameState.ID, gs.PreviousID)
	assert.Equal(t, 1, gs.Links)
	assert.Equal(t, "normal", gs.Music)
	assert.Empty(t, gs.MessageID)
	assert.Equal(t, root.MapState.ID, gs.MapStateID, "no followers, map is shared")
	assert.Equal(t, loc, v.Environment.Location)
	assert.Equal(t, root.Environment.ID, v.Environment.PreviousID)
	assert.Nil(t, v.Environment.PreviousSummary)
	assert.Empty(t, v.Environment.PreviousCharacters)
	assert.Empty(t, f.summarizer.Requests)

	for _, p := range root.MapState.Placements {
		assert.Equal(t, p.Location == loc, gs.HasSprite(p.Character), p.Character)
	}
	for _, s := range gs.Sprites {
		view, err := f.catalog.DefaultView(s.Character, s.Clothes)
		require.NoError(t, err)
		assert.Equal(t, view.Pose, s.Pose)
		assert.Equal(t, view.Expression, s.Expression)
	}
	assert.Equal(t, gs.ID, f.current(t))
}

func TestChangeLocation_SummarizesTheStay(t *testing.T) {
	f := newFixture(t)
	f.refuseAll()
	ctx := context.Background()

	_, loc := f.meetUlyana(t)
	turn, err := f.engine.Interact(ctx, player, "", "Hi")
	require.NoError(t, err)

	next := f.otherLocation(loc)
	v, err := f.engine.ChangeLocation(ctx, player, "", next)
	require.NoError(t, err)

	require.Len(t, f.summarizer.Requests, 1)
	assert.Equal(t, []capability.Line{
		{Speaker: "Semyon", Text: "Hi"},
		{Speaker: "ulyana", Text: "Hello there."},
	}, f.summarizer.Requests[0].Lines)

	require.NotNil(t, v.Environment.PreviousSummary)
	assert.Equal(t, "They talked.", *v.Environment.PreviousSummary)
	assert.Equal(t, roster(turn.GameState), v.Environment.PreviousCharacters)
	assert.Contains(t, v.Environment.PreviousCharacters, "ulyana")
	assert.Nil(t, v.Message)

	daily, err := f.engine.Usage(ctx, owner, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, usage.Counter{InputTokens: 7, OutputTokens: 2, Queries: 1},
		daily.Get(usage.CategorySummarization, capability.TierStandard))
	assert.Equal(t, [2]int64{7, 2}, f.metrics.tokens["summarization/standard"])
}

func TestChangeLocation_MovesFollowers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, loc := f.meetUlyana(t)
	turn, err := f.engine.Interact(ctx, player, "", "Come with me")
	require.NoError(t, err)
	require.True(t, turn.GameState.IsFollower("ulyana"))

	next := f.otherLocation(loc)
	v, err := f.engine.ChangeLocation(ctx, player, "", next)
	require.NoError(t, err)

	assert.NotEqual(t, turn.GameState.MapStateID, v.GameState.MapStateID)
	assert.Equal(t, next, locationOf(t, v, "ulyana"))
	assert.True(t, v.GameState.HasSprite("ulyana"))
	assert.True(t, v.GameState.IsFollower("ulyana"))
	assert.Equal(t, turn.MapState.Time, v.MapState.Time)
}

func TestChangeLocation_SameLocationIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	v, err := f.engine.ChangeLocation(ctx, player, "", root.Environment.Location)
	require.NoError(t, err)
	assert.Equal(t, root.GameState.ID, v.GameState.ID)
	assert.Equal(t, "noop", f.exporter.last(t).Status)
}

func TestChangeLocation_UnknownLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	_, err = f.engine.ChangeLocation(ctx, player, "", "moon")
	require.ErrorIs(t, err, catalog.ErrUnmapped)
	assert.Equal(t, ErrTypeValidation, ClassifyError(err))
}

func TestChangeLocation_SummaryFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.refuseAll()
	ctx := context.Background()

	_, loc := f.meetUlyana(t)
	turn, err := f.engine.Interact(ctx, player, "", "Hi")
	require.NoError(t, err)
	before, err := f.store.Counts(ctx)
	require.NoError(t, err)

	f.summarizer.Err = assert.AnError
	_, err = f.engine.ChangeLocation(ctx, player, "", f.otherLocation(loc))
	require.ErrorIs(t, err, capability.ErrCapabilityFailure)
	assert.True(t, IsRetryable(err))

	after, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, turn.GameState.ID, f.current(t))
}

func TestAdvanceTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	sunset, err := f.engine.AdvanceTime(ctx, player, "")
	require.NoError(t, err)
	assert.Equal(t, root.GameState.ID, sunset.GameState.PreviousID)
	assert.Equal(t, "sunset", sunset.MapState.Time)
	assert.NotEqual(t, root.MapState.ID, sunset.MapState.ID)
	assert.Equal(t, "main_character_home", sunset.Environment.Location)
	assert.Equal(t, root.Environment.ID, sunset.Environment.PreviousID)
	assert.Equal(t, "none", sunset.GameState.Music)

	night, err := f.engine.AdvanceTime(ctx, player, "")
	require.NoError(t, err)
	assert.Equal(t, "night", night.MapState.Time)
	for _, p := range night.MapState.Placements {
		ch, err := f.catalog.Character(p.Character)
		require.NoError(t, err)
		assert.Equal(t, ch.Sleeps, p.Location)
		assert.Equal(t, ch.Wardrobe["night"], p.Clothes)
	}
	require.Len(t, night.GameState.Sprites, 1)
	assert.Equal(t, "slavya", night.GameState.Sprites[0].Character)
	assert.Equal(t, "slavya_sport", night.GameState.Sprites[0].Clothes)

	morning, err := f.engine.AdvanceTime(ctx, player, "")
	require.NoError(t, err)
	assert.Equal(t, "day", morning.MapState.Time)
	assert.Empty(t, f.summarizer.Requests, "nothing was said")
}

func TestAdvanceTime_FollowersComeHome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.meetUlyana(t)
	_, err := f.engine.Interact(ctx, player, "", "Come with me")
	require.NoError(t, err)

	v, err := f.engine.AdvanceTime(ctx, player, "")
	require.NoError(t, err)
	assert.True(t, v.GameState.IsFollower("ulyana"))
	assert.True(t, v.GameState.HasSprite("ulyana"))
	assert.Equal(t, "main_character_home", locationOf(t, v, "ulyana"))
	assert.Len(t, f.summarizer.Requests, 1)
	require.NotNil(t, v.Environment.PreviousSummary)
}

func TestInteract_EarlyCommitBeforeAnyoneIsPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	turn, err := f.engine.Interact(ctx, player, "", "Is anyone here?")
	require.NoError(t, err)
	assert.True(t, turn.Committed)
	assert.Equal(t, root.GameState.ID, turn.GameState.PreviousID)
	require.NotNil(t, turn.Message)
	assert.Equal(t, "Is anyone here?", turn.Message.Text)
	assert.Empty(t, f.generator.Requests)
	assert.Equal(t, turn.GameState.ID, f.current(t))
}

func TestInteract_NoTextNoSpritesIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.engine.NewGame(ctx, owner)
	require.NoError(t, err)

	turn, err := f.engine.Interact(ctx, player, "", "")
	require.NoError(t, err)
	assert.False(t, turn.Committed)
	assert.Equal(t, root.GameState.ID, turn.GameState.ID)
	assert.Equal(t, "noop", f.exporter.last(t).Status)
}

func TestInteract_DialogueTurn(t *testing.T) {
	f := newFixture(t)
	f.refuseAll()
	ctx := context.Background()

	arrived, _ := f.meetUlyana(t)
	turn, err := f.engine.Interact(ctx, player, arrived.GameState.ID, "Hi")
	require.NoError(t, err)

	assert.True(t, turn.Committed)
	assert.Equal(t, "ulyana", turn.Speaker)
	require.NotNil(t, turn.Message)
	assert.Equal(t, "Hello there.", turn.Message.Text)
	assert.Equal(t, turn.GameState.ID, f.current(t))
	assert.Equal(t, arrived.Environment.ID, turn.Environment.ID)

	daily, err := f.engine.Usage(ctx, owner, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), daily.Get(usage.CategoryInteraction, capability.TierStandard).Queries)
	assert.Equal(t, [2]int64{10, 5}, f.metrics.tokens["interaction/standard"])
}

func TestInteract_CapabilityFailureCommitsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	arrived, _ := f.meetUlyana(t)
	before, err := f.store.Counts(ctx)
	require.NoError(t, err)

	f.generator.Err = assert.AnError
	_, err = f.engine.Interact(ctx, player, "", "Hi")
	require.ErrorIs(t, err, capability.ErrCapabilityFailure)
	assert.True(t, IsRetryable(err))

	after, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, arrived.GameState.ID, f.current(t))
	assert.Contains(t, f.metrics.errors, "interact:capability")
}

func TestInteract_RequiresCurrentGame(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Interact(context.Background(), player, "", "Hi")
	require.ErrorIs(t, err, ErrNoCurrentGame)
	assert.Equal(t, ErrTypeNotFound, ClassifyError(err))
}

func TestInteract_RejectsInvalidPlayer(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Interact(context.Background(), Player{}, "", "Hi")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = f.engine.Interact(context.Background(), Player{ID: owner, Tier: "gold"}, "", "Hi")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestView(t *testing.T) {
	f := newFixture(t)
	f.refuseAll()
	ctx := context.Background()

	f.meetUlyana(t)
	turn, err := f.engine.Interact(ctx, player, "", "Hi")
	require.NoError(t, err)

	v, err := f.engine.View(ctx, owner, "")
	require.NoError(t, err)
	assert.Equal(t, turn.GameState.ID, v.GameState.ID)
	require.NotNil(t, v.Message)
	assert.Equal(t, "ulyana", v.Message.Speaker)

	_, err = f.engine.View(ctx, "someone-else", turn.GameState.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

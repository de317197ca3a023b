package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/catalog"
	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/usage"
)

// turn is the mutable state of one Run.
type turn struct {
	p     *Pipeline
	req   Request
	trace *OperationTrace
	usage usage.Delta
	stage string

	node  *store.GameState
	user  *store.ChildSpec // pending player line, nil when none
	lines []capability.Line

	speaker   string
	character *catalog.Character
	generated string
	displayed string
	sprites   []store.Sprite
	music     string
	followers []string
}

func (t *turn) run(ctx context.Context) (*Result, error) {
	p := t.p
	node, err := p.deps.Store.GetGameState(ctx, t.req.GameStateID)
	if err != nil {
		return nil, err
	}
	if node.OwnerID != t.req.OwnerID {
		return nil, fmt.Errorf("%w: game state %s", store.ErrNotFound, node.ID)
	}
	t.node = node

	started := len(node.Sprites) > 0
	if t.req.Text == "" && !started {
		return &Result{GameState: node, Usage: t.usage, Trace: t.trace}, nil
	}
	if t.req.Text != "" {
		if err := t.appendUserMessage(ctx, started); err != nil {
			return nil, err
		}
		if !started {
			return t.commit(ctx, nil)
		}
	}

	if err := t.loadDialogue(ctx); err != nil {
		return nil, err
	}
	for _, stage := range []func(context.Context) error{
		t.selectSpeaker,
		t.generateMessage,
		t.translate,
		t.classifyMusic,
		t.classifySprite,
		t.classifyFollow,
	} {
		if err := stage(ctx); err != nil {
			return nil, err
		}
	}

	return t.commit(ctx, &store.ChildSpec{
		Message: &store.NewMessage{
			Speaker:       t.speaker,
			Text:          t.generated,
			DisplayedText: t.displayed,
		},
		Sprites:   t.sprites,
		Music:     t.music,
		Followers: t.followers,
	})
}

// appendUserMessage prepares the child carrying the player's line. Once the
// narrative has started, text in a foreign display language is translated
// into the generation language; the displayed text keeps the original.
func (t *turn) appendUserMessage(ctx context.Context, translate bool) error {
	t.stage = StageAppendUserMessage
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)

	text := t.req.Text
	translated := int64(0)
	if translate && t.foreign() {
		out, err := t.p.deps.Translator.Translate(ctx, capability.TranslationRequest{
			Tier:          t.p.opts.TranslationTier,
			Text:          t.req.Text,
			Source:        t.req.Language,
			Target:        t.p.opts.GenerationLanguage,
			SpeakerGender: t.p.deps.Catalog.Protagonist.Gender,
		})
		if err != nil {
			err = capability.Fail("translate", err)
			st.finish(err, nil)
			return err
		}
		t.usage.Add(usage.CategoryTranslation, t.p.opts.TranslationTier, out.Usage)
		text = out.Text
		translated = 1
	}

	child := t.node.Child()
	child.Message = &store.NewMessage{
		Speaker:       t.p.deps.Catalog.Protagonist.Tag,
		Text:          text,
		DisplayedText: t.req.Text,
	}
	t.user = &child
	st.finish(nil, map[string]int64{"translated": translated})
	return nil
}

// loadDialogue reads the generation window, oldest first, including the
// pending player line.
func (t *turn) loadDialogue(ctx context.Context) error {
	window := t.p.opts.GenerationWindow
	if t.node.MessageID != "" {
		msgs, err := t.p.deps.Store.MessageChain(ctx, t.node.MessageID, store.Page{Limit: window})
		if err != nil {
			return err
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			t.lines = append(t.lines, t.line(msgs[i].Speaker, msgs[i].Text))
		}
	}
	if t.user != nil {
		t.lines = append(t.lines, t.line(t.user.Message.Speaker, t.user.Message.Text))
	}
	t.lines = tail(t.lines, window)
	return nil
}

// line names the protagonist by the persona so the models see who is talking.
func (t *turn) line(speaker, text string) capability.Line {
	if speaker == t.p.deps.Catalog.Protagonist.Tag {
		speaker = t.personaName()
	}
	return capability.Line{Speaker: speaker, Text: text}
}

// foreign reports whether the display language differs from the generation
// language. Regional variants of one language count as the same language.
func (t *turn) foreign() bool {
	return !sameLanguage(t.req.Language, t.p.opts.GenerationLanguage)
}

func sameLanguage(a, b language.Tag) bool {
	baseA, _ := a.Base()
	baseB, _ := b.Base()
	return baseA == baseB
}

func (t *turn) personaName() string {
	if t.req.Persona.Name != "" {
		return t.req.Persona.Name
	}
	return t.p.deps.Catalog.Protagonist.Tag
}

func (t *turn) selectSpeaker(ctx context.Context) error {
	t.stage = StageSelectSpeaker
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)

	candidates := make([]string, 0, len(t.node.Sprites))
	for _, s := range t.node.Sprites {
		candidates = append(candidates, s.Character)
	}

	// A lone character needs no ranking. With nothing said yet the ranking
	// runs on the bare separator.
	recent := tail(t.lines, t.p.opts.SpeakerContext)
	if len(candidates) == 1 {
		t.speaker = candidates[0]
		st.finish(nil, map[string]int64{"candidates": int64(len(candidates)), "ranked": 0})
		return t.resolveSpeaker()
	}

	ranking, err := t.p.rank(ctx, classifierText(recent)+separator, candidates, speakerTemplate)
	if err != nil {
		st.finish(err, nil)
		return err
	}
	t.speaker = ranking.Top().Name
	st.finish(nil, map[string]int64{"candidates": int64(len(candidates)), "ranked": 1})
	return t.resolveSpeaker()
}

func (t *turn) resolveSpeaker() error {
	ch, err := t.p.deps.Catalog.Character(t.speaker)
	if err != nil {
		return err
	}
	t.character = ch
	return nil
}

func (t *turn) generateMessage(ctx context.Context) error {
	t.stage = StageGenerateMessage
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)

	prompt, err := t.prompt(ctx)
	if err != nil {
		st.finish(err, nil)
		return err
	}
	gen, err := t.p.deps.Generator.Generate(ctx, capability.GenerationRequest{Tier: t.req.Tier, Prompt: prompt})
	if err == nil && strings.TrimSpace(gen.Text) == "" {
		err = errors.New("empty generation")
	}
	if err != nil {
		err = capability.Fail("generate", err)
		st.finish(err, nil)
		return err
	}
	t.usage.Add(usage.CategoryInteraction, t.req.Tier, gen.Usage)
	t.generated = gen.Text
	t.displayed = gen.Text
	st.finish(nil, map[string]int64{
		"contextMessages": int64(len(prompt.Dialogue)),
		"summaries":       int64(len(prompt.History)),
		"inputTokens":     gen.Usage.InputTokens,
		"outputTokens":    gen.Usage.OutputTokens,
	})
	return nil
}

func (t *turn) prompt(ctx context.Context) (capability.Prompt, error) {
	p := t.p
	env, err := p.deps.Store.GetEnvironment(ctx, t.node.EnvironmentID)
	if err != nil {
		return capability.Prompt{}, err
	}
	ms, err := p.deps.Store.GetMapState(ctx, t.node.MapStateID)
	if err != nil {
		return capability.Prompt{}, err
	}
	loc, err := p.deps.Catalog.Location(env.Location)
	if err != nil {
		return capability.Prompt{}, err
	}
	history, err := p.deps.Store.EnvironmentSummaries(ctx, env.ID, t.speaker, p.opts.SummaryLimit)
	if err != nil {
		return capability.Prompt{}, err
	}

	var clothes string
	var present []string
	for _, s := range t.node.Sprites {
		if s.Character == t.speaker {
			if clothes, err = p.deps.Catalog.ClothesDescription(s.Character, s.Clothes); err != nil {
				return capability.Prompt{}, err
			}
			continue
		}
		ch, err := p.deps.Catalog.Character(s.Character)
		if err != nil {
			return capability.Prompt{}, err
		}
		present = append(present, ch.Description)
	}
	var elsewhere []string
	for _, ch := range p.deps.Catalog.Characters {
		if !t.node.HasSprite(ch.Tag) {
			elsewhere = append(elsewhere, ch.Description)
		}
	}

	persona := t.req.Persona
	persona.Name = t.personaName()
	return capability.Prompt{
		Setting:            p.deps.Catalog.Setting,
		Speaker:            t.speaker,
		SpeakerDescription: t.character.Description,
		Location:           loc.Description,
		TimeOfDay:          ms.Time,
		Clothes:            clothes,
		Persona:            persona,
		Present:            present,
		Elsewhere:          elsewhere,
		History:            history,
		Dialogue:           slices.Clone(t.lines),
	}, nil
}

// translate renders the generated line in the display language and adds it
// to the dialogue the classifiers see.
func (t *turn) translate(ctx context.Context) error {
	defer func() { t.lines = append(t.lines, t.line(t.speaker, t.generated)) }()
	if !t.foreign() {
		return nil
	}

	t.stage = StageTranslate
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)
	out, err := t.p.deps.Translator.Translate(ctx, capability.TranslationRequest{
		Tier:          t.p.opts.TranslationTier,
		Text:          t.generated,
		Source:        t.p.opts.GenerationLanguage,
		Target:        t.req.Language,
		SpeakerGender: t.character.Gender,
	})
	if err != nil {
		err = capability.Fail("translate", err)
		st.finish(err, nil)
		return err
	}
	t.usage.Add(usage.CategoryTranslation, t.p.opts.TranslationTier, out.Usage)
	t.displayed = out.Text
	st.finish(nil, map[string]int64{"outputTokens": out.Usage.OutputTokens})
	return nil
}

// classifyMusic keeps the previous mood unless the top mood clears the
// threshold.
func (t *turn) classifyMusic(ctx context.Context) error {
	t.stage = StageClassifyMusic
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)

	labels, back := catalog.Labels(t.p.deps.Catalog.Moods())
	text := classifierText(tail(t.lines, t.p.opts.MusicWindow))
	ranking, err := t.p.rank(ctx, text, labels, musicTemplate)
	if err != nil {
		st.finish(err, nil)
		return err
	}

	t.music = t.node.Music
	changed := int64(0)
	if top := ranking.Top(); top.Score > t.p.opts.MusicThreshold && back[top.Name] != t.music {
		t.music = back[top.Name]
		changed = 1
	}
	st.finish(nil, map[string]int64{"changed": changed})
	return nil
}

// classifySprite picks a pose, then an expression valid for that pose. The
// speaker's sprite keeps its clothes and moves to the end of the list.
func (t *turn) classifySprite(ctx context.Context) error {
	t.stage = StageClassifySprite
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)

	pose, expression, err := t.pickView(ctx)
	if err != nil {
		st.finish(err, nil)
		return err
	}

	t.sprites = make([]store.Sprite, 0, len(t.node.Sprites))
	var current store.Sprite
	for _, s := range t.node.Sprites {
		if s.Character == t.speaker {
			current = s
			continue
		}
		t.sprites = append(t.sprites, s)
	}
	t.sprites = append(t.sprites, store.Sprite{
		Character:  t.speaker,
		Clothes:    current.Clothes,
		Pose:       pose,
		Expression: expression,
	})
	st.finish(nil, nil)
	return nil
}

func (t *turn) pickView(ctx context.Context) (string, string, error) {
	cat := t.p.deps.Catalog
	text := classifierText(tail(t.lines, 1))

	poses, err := cat.Poses(t.speaker)
	if err != nil {
		return "", "", err
	}
	labels, back := catalog.Labels(poses)
	ranking, err := t.p.rank(ctx, text, labels, fmt.Sprintf(poseTemplate, t.speaker))
	if err != nil {
		return "", "", err
	}
	pose := back[ranking.Top().Name]

	expressions, err := cat.Expressions(t.speaker, pose)
	if err != nil {
		return "", "", err
	}
	labels, back = catalog.Labels(expressions)
	ranking, err = t.p.rank(ctx, text, labels, fmt.Sprintf(faceTemplate, t.speaker))
	if err != nil {
		return "", "", err
	}
	return pose, back[ranking.Top().Name], nil
}

// classifyFollow only ever adds followers. A character already following is
// not ranked again.
func (t *turn) classifyFollow(ctx context.Context) error {
	t.followers = slices.Clone(t.node.Followers)
	if t.node.IsFollower(t.speaker) {
		return nil
	}

	t.stage = StageClassifyFollow
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)

	text := classifierText(tail(t.lines, t.p.opts.FollowWindow))
	template := fmt.Sprintf(followTemplate, t.speaker, t.personaName())
	ranking, err := t.p.rank(ctx, text, []string{LabelAgreed, LabelRefused}, template)
	if err != nil {
		st.finish(err, nil)
		return err
	}

	agreed := int64(0)
	if ranking.Score(LabelAgreed) > t.p.opts.FollowThreshold {
		t.followers = append(t.followers, t.speaker)
		agreed = 1
	}
	st.finish(nil, map[string]int64{"agreed": agreed})
	return nil
}

// commit appends the pending player node and final, in that order, as one
// chain below the input node and makes the last one current.
func (t *turn) commit(ctx context.Context, final *store.ChildSpec) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var children []store.ChildSpec
	if t.user != nil {
		children = append(children, *t.user)
	}
	if final != nil {
		children = append(children, *final)
	}

	t.stage = StageCommitNode
	commitCtx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)
	created, err := t.p.deps.Store.Append(commitCtx, store.AppendRequest{
		OwnerID:     t.req.OwnerID,
		ParentID:    t.node.ID,
		Children:    children,
		MakeCurrent: true,
	})
	if err != nil {
		st.finish(err, nil)
		return nil, err
	}
	st.finish(nil, map[string]int64{"nodes": int64(len(created))})

	t.meter(ctx)
	return &Result{
		GameState: created[len(created)-1],
		Created:   created,
		Speaker:   t.speaker,
		Usage:     t.usage,
		Trace:     t.trace,
	}, nil
}

// meter records the turn's usage. The turn is already committed, so a
// metering failure is logged and swallowed.
func (t *turn) meter(ctx context.Context) {
	if t.p.deps.Meter == nil || t.usage.Empty() {
		return
	}
	t.stage = StageMeterUsage
	ctx, st := newSpanTimer(ctx, t.stage, t.trace, t.p.metrics)
	err := t.p.deps.Meter.Record(ctx, t.req.OwnerID, t.usage)
	st.finish(err, nil)
	if err != nil {
		t.p.logger.WarnContext(ctx, "usage metering failed",
			"owner", t.req.OwnerID,
			"stage", t.stage,
			"error", err,
		)
	}
}

// rank calls the classifier and rejects malformed rankings.
func (p *Pipeline) rank(ctx context.Context, text string, candidates []string, template string) (capability.Ranking, error) {
	ranking, err := p.deps.Classifier.Rank(ctx, text, candidates, template)
	if err != nil {
		return nil, capability.Fail("rank", err)
	}
	ranking, err = capability.ValidateRanking(ranking, candidates)
	if err != nil {
		return nil, capability.Fail("rank", err)
	}
	return ranking, nil
}

// classifierText renders lines as "speaker: text" separated by [SEP] markers.
func classifierText(lines []capability.Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Speaker + ": " + l.Text
	}
	return strings.Join(parts, separator)
}

func tail[T any](s []T, n int) []T {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

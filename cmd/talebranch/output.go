package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/talebranch"
	"github.com/dan-solli/talebranch/pkg/usage"
)

type optionOutput struct {
	Tag         string `json:"tag" yaml:"tag"`
	Description string `json:"description" yaml:"description"`
}

type messageOutput struct {
	GameStateID string `json:"gameStateId" yaml:"game_state_id"`
	Speaker     string `json:"speaker" yaml:"speaker"`
	Text        string `json:"text" yaml:"text"`
}

func newMessageOutput(gameStateID string, m *store.Message) messageOutput {
	text := m.DisplayedText
	if text == "" {
		text = m.Text
	}
	return messageOutput{GameStateID: gameStateID, Speaker: m.Speaker, Text: text}
}

type viewOutput struct {
	GameStateID string         `json:"gameStateId" yaml:"game_state_id"`
	PreviousID  string         `json:"previousId,omitempty" yaml:"previous_id,omitempty"`
	Links       int            `json:"links" yaml:"links"`
	Location    string         `json:"location" yaml:"location"`
	Time        string         `json:"time" yaml:"time"`
	Music       string         `json:"music" yaml:"music"`
	Sprites     []store.Sprite `json:"sprites" yaml:"sprites"`
	Followers   []string       `json:"followers,omitempty" yaml:"followers,omitempty"`
	Message     *messageOutput `json:"message,omitempty" yaml:"message,omitempty"`
}

func newViewOutput(v *talebranch.View) viewOutput {
	out := viewOutput{
		GameStateID: v.GameState.ID,
		PreviousID:  v.GameState.PreviousID,
		Links:       v.GameState.Links,
		Location:    v.Environment.Location,
		Time:        v.MapState.Time,
		Music:       v.GameState.Music,
		Sprites:     v.GameState.Sprites,
		Followers:   v.GameState.Followers,
	}
	if out.Sprites == nil {
		out.Sprites = []store.Sprite{}
	}
	if v.Message != nil {
		m := newMessageOutput(v.GameState.ID, v.Message)
		out.Message = &m
	}
	return out
}

type turnOutput struct {
	viewOutput `yaml:",inline"`
	Speaker    string `json:"speaker,omitempty" yaml:"speaker,omitempty"`
	Committed  bool   `json:"committed" yaml:"committed"`
}

func newTurnOutput(t *talebranch.Turn) turnOutput {
	return turnOutput{viewOutput: newViewOutput(t.View), Speaker: t.Speaker, Committed: t.Committed}
}

type saveOutput struct {
	ID          string `json:"id" yaml:"id"`
	GameStateID string `json:"gameStateId" yaml:"game_state_id"`
	Description string `json:"description" yaml:"description"`
	CreatedAt   string `json:"createdAt" yaml:"created_at"`
}

func newSaveOutput(s *store.Save) saveOutput {
	return saveOutput{
		ID:          s.ID,
		GameStateID: s.GameStateID,
		Description: s.Description,
		CreatedAt:   s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

type mapOutput struct {
	Time       string            `json:"time" yaml:"time"`
	Placements []store.Placement `json:"placements" yaml:"placements"`
}

func newMapOutput(ms *store.MapState) mapOutput {
	return mapOutput{Time: ms.Time, Placements: ms.Placements}
}

type counterOutput struct {
	Category     string `json:"category" yaml:"category"`
	Tier         string `json:"tier" yaml:"tier"`
	InputTokens  int64  `json:"inputTokens" yaml:"input_tokens"`
	OutputTokens int64  `json:"outputTokens" yaml:"output_tokens"`
	Queries      int64  `json:"queries" yaml:"queries"`
}

type usageOutput struct {
	Day      string          `json:"day" yaml:"day"`
	Counters []counterOutput `json:"counters" yaml:"counters"`
}

func newUsageOutput(d *usage.Daily) usageOutput {
	out := usageOutput{Day: d.Day.Format("2006-01-02"), Counters: make([]counterOutput, 0)}
	for _, cat := range usage.Categories {
		for _, tier := range usage.Tiers {
			c := d.Get(cat, tier)
			out.Counters = append(out.Counters, counterOutput{
				Category:     string(cat),
				Tier:         string(tier),
				InputTokens:  c.InputTokens,
				OutputTokens: c.OutputTokens,
				Queries:      c.Queries,
			})
		}
	}
	return out
}

type pruneOutput struct {
	GameStates   int `json:"gameStates" yaml:"game_states"`
	Messages     int `json:"messages" yaml:"messages"`
	Environments int `json:"environments" yaml:"environments"`
	MapStates    int `json:"mapStates" yaml:"map_states"`
	Saves        int `json:"saves" yaml:"saves"`
}

func newPruneOutput(r store.PruneResult) pruneOutput {
	return pruneOutput(r)
}

func (a *app) print(v any) error {
	if a.asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(a.out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}

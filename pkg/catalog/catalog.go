// Package catalog holds the static world tables the engine reasons over:
// characters and their sprite vocabulary, locations, times of day and music
// moods. The tables are loaded from YAML and cross-checked once at startup so
// that every lookup after Load either succeeds or returns ErrUnmapped.
package catalog

import (
	_ "embed"
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	// ErrUnmapped is returned when a lookup key has no entry in the catalog.
	ErrUnmapped = errors.New("unmapped catalog key")

	// ErrInvalid is returned by Load when the tables are not self-consistent.
	ErrInvalid = errors.New("invalid catalog")
)

// Option is a tagged entry with a natural-language description. Descriptions
// double as classifier labels.
type Option struct {
	Tag         string `yaml:"tag" validate:"required"`
	Description string `yaml:"description" validate:"required"`
}

// View is a (pose, expression) pair.
type View struct {
	Pose       string `yaml:"pose" validate:"required"`
	Expression string `yaml:"expression" validate:"required"`
}

// Pose is a body pose together with the expressions that may be drawn on it.
type Pose struct {
	Tag         string   `yaml:"tag" validate:"required"`
	Description string   `yaml:"description" validate:"required"`
	Expressions []Option `yaml:"expressions" validate:"required,min=1,dive"`
}

// Clothes is an outfit and the view a character takes when first shown in it.
type Clothes struct {
	Tag         string `yaml:"tag" validate:"required"`
	Description string `yaml:"description" validate:"required"`
	Default     View   `yaml:"default"`
}

// Character is a non-player character.
type Character struct {
	Tag         string            `yaml:"tag" validate:"required"`
	Gender      string            `yaml:"gender" validate:"required"`
	Description string            `yaml:"description" validate:"required"`
	Poses       []Pose            `yaml:"poses" validate:"required,min=1,dive"`
	Clothes     []Clothes         `yaml:"clothes" validate:"required,min=1,dive"`
	Wardrobe    map[string]string `yaml:"wardrobe" validate:"required"` // time of day -> clothes
	Roams       []string          `yaml:"roams" validate:"required,min=1"`
	Sleeps      string            `yaml:"sleeps" validate:"required"`
}

// Protagonist describes the player character.
type Protagonist struct {
	Tag    string `yaml:"tag" validate:"required"`
	Home   string `yaml:"home" validate:"required"`
	Gender string `yaml:"gender" validate:"required"`
}

// TimeOfDay is one step of the day cycle.
type TimeOfDay struct {
	Tag            string `yaml:"tag" validate:"required"`
	Next           string `yaml:"next" validate:"required"`
	FixedPlacement bool   `yaml:"fixed_placement"`
}

// Music holds the mood vocabulary. Silence and Arrival are moods outside the
// classifiable set.
type Music struct {
	Silence string   `yaml:"silence" validate:"required"`
	Arrival string   `yaml:"arrival" validate:"required"`
	Moods   []Option `yaml:"moods" validate:"required,min=1,dive"`
}

// Placement puts a character somewhere on the map in an outfit.
type Placement struct {
	Character string
	Location  string
	Clothes   string
}

// Catalog is the loaded, cross-checked world. It is immutable after Load.
type Catalog struct {
	Setting     string      `yaml:"setting" validate:"required"`
	Protagonist Protagonist `yaml:"protagonist"`
	Characters  []Character `yaml:"characters" validate:"required,min=1,dive"`
	Locations   []Option    `yaml:"locations" validate:"required,min=1,dive"`
	Times       []TimeOfDay `yaml:"times" validate:"required,min=1,dive"`
	Music       Music       `yaml:"music"`

	characters map[string]*Character
	locations  map[string]Option
	times      map[string]TimeOfDay
}

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Load(defaultCatalog)
})

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return loadDefault()
}

// Load parses and cross-checks a YAML catalog. Unknown fields are rejected.
func Load(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// index builds the lookup maps and verifies every cross reference.
func (c *Catalog) index() error {
	c.locations = make(map[string]Option, len(c.Locations))
	for _, loc := range c.Locations {
		if _, dup := c.locations[loc.Tag]; dup {
			return fmt.Errorf("%w: duplicate location %q", ErrInvalid, loc.Tag)
		}
		c.locations[loc.Tag] = loc
	}
	if _, ok := c.locations[c.Protagonist.Home]; !ok {
		return fmt.Errorf("%w: protagonist home %q is not a location", ErrInvalid, c.Protagonist.Home)
	}

	c.times = make(map[string]TimeOfDay, len(c.Times))
	for _, t := range c.Times {
		c.times[t.Tag] = t
	}
	for _, t := range c.Times {
		if _, ok := c.times[t.Next]; !ok {
			return fmt.Errorf("%w: time %q advances to unknown time %q", ErrInvalid, t.Tag, t.Next)
		}
	}

	moods := map[string]bool{c.Music.Silence: true}
	for _, m := range c.Music.Moods {
		if m.Tag == c.Music.Silence {
			return fmt.Errorf("%w: silence mood %q must not be classifiable", ErrInvalid, m.Tag)
		}
		moods[m.Tag] = true
	}
	if !moods[c.Music.Arrival] {
		return fmt.Errorf("%w: arrival mood %q is not a mood", ErrInvalid, c.Music.Arrival)
	}

	c.characters = make(map[string]*Character, len(c.Characters))
	for i := range c.Characters {
		ch := &c.Characters[i]
		if ch.Tag == c.Protagonist.Tag {
			return fmt.Errorf("%w: protagonist %q listed as a character", ErrInvalid, ch.Tag)
		}
		if _, dup := c.characters[ch.Tag]; dup {
			return fmt.Errorf("%w: duplicate character %q", ErrInvalid, ch.Tag)
		}
		if err := c.checkCharacter(ch); err != nil {
			return err
		}
		c.characters[ch.Tag] = ch
	}
	return nil
}

func (c *Catalog) checkCharacter(ch *Character) error {
	for _, cl := range ch.Clothes {
		pose := ch.pose(cl.Default.Pose)
		if pose == nil {
			return fmt.Errorf("%w: %s default pose %q for %q", ErrInvalid, ch.Tag, cl.Default.Pose, cl.Tag)
		}
		if !pose.allows(cl.Default.Expression) {
			return fmt.Errorf("%w: %s default expression %q not valid for pose %q", ErrInvalid, ch.Tag, cl.Default.Expression, pose.Tag)
		}
	}
	for _, t := range c.Times {
		clothes, ok := ch.Wardrobe[t.Tag]
		if !ok {
			return fmt.Errorf("%w: %s has no clothes for %q", ErrInvalid, ch.Tag, t.Tag)
		}
		if ch.clothes(clothes) == nil {
			return fmt.Errorf("%w: %s wears unknown clothes %q", ErrInvalid, ch.Tag, clothes)
		}
	}
	for _, loc := range append([]string{ch.Sleeps}, ch.Roams...) {
		if _, ok := c.locations[loc]; !ok {
			return fmt.Errorf("%w: %s placed at unknown location %q", ErrInvalid, ch.Tag, loc)
		}
	}
	return nil
}

func (ch *Character) pose(tag string) *Pose {
	for i := range ch.Poses {
		if ch.Poses[i].Tag == tag {
			return &ch.Poses[i]
		}
	}
	return nil
}

func (ch *Character) clothes(tag string) *Clothes {
	for i := range ch.Clothes {
		if ch.Clothes[i].Tag == tag {
			return &ch.Clothes[i]
		}
	}
	return nil
}

func (p *Pose) allows(expression string) bool {
	for _, e := range p.Expressions {
		if e.Tag == expression {
			return true
		}
	}
	return false
}

// Character returns the character with the given tag.
func (c *Catalog) Character(tag string) (*Character, error) {
	ch, ok := c.characters[tag]
	if !ok {
		return nil, fmt.Errorf("%w: character %q", ErrUnmapped, tag)
	}
	return ch, nil
}

// IsCharacter reports whether tag names a non-player character.
func (c *Catalog) IsCharacter(tag string) bool {
	_, ok := c.characters[tag]
	return ok
}

// CharacterTags returns every non-player character tag in catalog order.
func (c *Catalog) CharacterTags() []string {
	tags := make([]string, 0, len(c.Characters))
	for _, ch := range c.Characters {
		tags = append(tags, ch.Tag)
	}
	return tags
}

// Poses returns the poses a character may take, as classifier options.
func (c *Catalog) Poses(character string) ([]Option, error) {
	ch, err := c.Character(character)
	if err != nil {
		return nil, err
	}
	opts := make([]Option, 0, len(ch.Poses))
	for _, p := range ch.Poses {
		opts = append(opts, Option{Tag: p.Tag, Description: p.Description})
	}
	return opts, nil
}

// Expressions returns the expressions valid for (character, pose).
func (c *Catalog) Expressions(character, pose string) ([]Option, error) {
	ch, err := c.Character(character)
	if err != nil {
		return nil, err
	}
	p := ch.pose(pose)
	if p == nil {
		return nil, fmt.Errorf("%w: pose %q for %s", ErrUnmapped, pose, character)
	}
	return append([]Option(nil), p.Expressions...), nil
}

// DefaultView returns the view a character takes when shown in clothes.
func (c *Catalog) DefaultView(character, clothes string) (View, error) {
	ch, err := c.Character(character)
	if err != nil {
		return View{}, err
	}
	cl := ch.clothes(clothes)
	if cl == nil {
		return View{}, fmt.Errorf("%w: clothes %q for %s", ErrUnmapped, clothes, character)
	}
	return cl.Default, nil
}

// ClothesDescription describes an outfit of a character.
func (c *Catalog) ClothesDescription(character, clothes string) (string, error) {
	ch, err := c.Character(character)
	if err != nil {
		return "", err
	}
	cl := ch.clothes(clothes)
	if cl == nil {
		return "", fmt.Errorf("%w: clothes %q for %s", ErrUnmapped, clothes, character)
	}
	return cl.Description, nil
}

// Location returns a location by tag.
func (c *Catalog) Location(tag string) (Option, error) {
	loc, ok := c.locations[tag]
	if !ok {
		return Option{}, fmt.Errorf("%w: location %q", ErrUnmapped, tag)
	}
	return loc, nil
}

// NextTime returns the time of day that follows t.
func (c *Catalog) NextTime(t string) (string, error) {
	tod, ok := c.times[t]
	if !ok {
		return "", fmt.Errorf("%w: time %q", ErrUnmapped, t)
	}
	return tod.Next, nil
}

// StartTime is the time of day a new game begins at.
func (c *Catalog) StartTime() string {
	return c.Times[0].Tag
}

// Moods returns the classifiable music moods. Silence is excluded.
func (c *Catalog) Moods() []Option {
	return append([]Option(nil), c.Music.Moods...)
}

// Placements draws a map layout for time t. Times with fixed placement send
// every character to where they sleep; otherwise each character is placed at
// a random location from the places they roam.
func (c *Catalog) Placements(t string, rng *rand.Rand) ([]Placement, error) {
	tod, ok := c.times[t]
	if !ok {
		return nil, fmt.Errorf("%w: time %q", ErrUnmapped, t)
	}

	out := make([]Placement, 0, len(c.Characters))
	for _, ch := range c.Characters {
		loc := ch.Sleeps
		if !tod.FixedPlacement {
			loc = ch.Roams[rng.IntN(len(ch.Roams))]
		}
		out = append(out, Placement{
			Character: ch.Tag,
			Location:  loc,
			Clothes:   ch.Wardrobe[t],
		})
	}
	return out, nil
}

// Labels returns the distinct descriptions of opts in order, with a map from
// each label back to the first option that carries it.
func Labels(opts []Option) ([]string, map[string]string) {
	labels := make([]string, 0, len(opts))
	back := make(map[string]string, len(opts))
	for _, o := range opts {
		if _, seen := back[o.Description]; seen {
			continue
		}
		back[o.Description] = o.Tag
		labels = append(labels, o.Description)
	}
	return labels, back
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/capability"
	"github.com/dan-solli/talebranch/pkg/store"
	"github.com/dan-solli/talebranch/pkg/talebranch"
)

// app holds the flags and the engine shared by every subcommand.
type app struct {
	owner    string
	persona  string
	bio      string
	lang     string
	premium  bool
	asJSON   bool
	limit    int
	offset   int
	day      string
	saveID   bool
	engine   *talebranch.Engine
	out      io.Writer
	openFunc func() (*talebranch.Engine, error)
}

// newApp creates the CLI. A nil open builds the engine from the environment.
func newApp(out io.Writer, open func() (*talebranch.Engine, error)) *app {
	a := &app{out: out, openFunc: open}
	if a.openFunc == nil {
		a.openFunc = openEngine
	}
	return a
}

func defaultOwner() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "talebranch",
		Short:         "Play a branching visual novel from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.engine != nil {
				return nil
			}
			e, err := a.openFunc()
			if err != nil {
				return err
			}
			a.engine = e
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.engine == nil {
				return nil
			}
			return a.engine.Close()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.owner, "owner", defaultOwner(), "player id owning the games")
	flags.StringVar(&a.persona, "persona", "", "name the characters call you")
	flags.StringVar(&a.bio, "bio", "", "short biography of your character")
	flags.StringVar(&a.lang, "lang", "", "display language (BCP-47), defaults to the generation language")
	flags.BoolVar(&a.premium, "premium", false, "use premium models")
	flags.BoolVar(&a.asJSON, "json", false, "print JSON instead of YAML")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "new",
			Short: "Start a new game, releasing the current one",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := a.engine.NewGame(cmd.Context(), a.owner)
				return a.printView(v, err)
			},
		},
		&cobra.Command{
			Use:   "continue",
			Short: "Show the current node, starting a game if there is none",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := a.engine.Continue(cmd.Context(), a.owner)
				return a.printView(v, err)
			},
		},
		&cobra.Command{
			Use:     "say [text...]",
			Aliases: []string{"interact"},
			Short:   "Say something, or let a character speak when no text is given",
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := a.player()
				if err != nil {
					return err
				}
				turn, err := a.engine.Interact(cmd.Context(), p, "", strings.Join(args, " "))
				if err != nil {
					return err
				}
				return a.print(newTurnOutput(turn))
			},
		},
		&cobra.Command{
			Use:   "move <location>",
			Short: "Walk to another location",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := a.player()
				if err != nil {
					return err
				}
				v, err := a.engine.ChangeLocation(cmd.Context(), p, "", args[0])
				return a.printView(v, err)
			},
		},
		&cobra.Command{
			Use:   "advance",
			Short: "Move on to the next time of day",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				p, err := a.player()
				if err != nil {
					return err
				}
				v, err := a.engine.AdvanceTime(cmd.Context(), p, "")
				return a.printView(v, err)
			},
		},
		&cobra.Command{
			Use:   "locations",
			Short: "List the places you can move to",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				out := make([]optionOutput, 0)
				for _, loc := range a.engine.Catalog().Locations {
					out = append(out, optionOutput{Tag: loc.Tag, Description: loc.Description})
				}
				return a.print(out)
			},
		},
		a.saveCmd(),
		a.savesCmd(),
		a.loadCmd(),
		&cobra.Command{
			Use:   "rename <save-id> <description>",
			Short: "Rename a save",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.engine.RenameSave(cmd.Context(), a.owner, args[0], strings.Join(args[1:], " "))
			},
		},
		&cobra.Command{
			Use:   "delete <save-id>",
			Short: "Delete a save and prune what only it kept alive",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.engine.DeleteSave(cmd.Context(), a.owner, args[0])
			},
		},
		a.historyCmd(),
		&cobra.Command{
			Use:   "map",
			Short: "Show where everyone is",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ms, err := a.engine.Map(cmd.Context(), a.owner, "")
				if err != nil {
					return err
				}
				return a.print(newMapOutput(ms))
			},
		},
		a.usageCmd(),
		&cobra.Command{
			Use:   "reset",
			Short: "DANGER: delete every game and save of the owner",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := a.engine.Reset(cmd.Context(), a.owner)
				if err != nil {
					return err
				}
				return a.print(newPruneOutput(res))
			},
		},
	)
	return rootCmd
}

func openEngine() (*talebranch.Engine, error) {
	cfg, err := talebranch.LoadConfig()
	if err != nil {
		return nil, err
	}
	e, err := talebranch.New(cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	return e.WithLogger(logger), nil
}

func (a *app) player() (talebranch.Player, error) {
	p := talebranch.Player{
		ID:      a.owner,
		Persona: capability.Persona{Name: a.persona, Biography: a.bio},
		Tier:    capability.TierStandard,
	}
	if a.premium {
		p.Tier = capability.TierPremium
	}
	if a.lang != "" {
		tag, err := language.Parse(a.lang)
		if err != nil {
			return talebranch.Player{}, fmt.Errorf("invalid --lang %q: %w", a.lang, err)
		}
		p.Language = tag
	}
	return p, nil
}

func (a *app) saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save [description...]",
		Short: "Bookmark the current node",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.engine.Save(cmd.Context(), a.owner, "", strings.Join(args, " "))
			if err != nil {
				return err
			}
			return a.print(newSaveOutput(s))
		},
	}
}

func (a *app) savesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saves",
		Short: "List saves, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			saves, err := a.engine.ListSaves(cmd.Context(), a.owner, store.Page{Limit: a.limit, Offset: a.offset})
			if err != nil {
				return err
			}
			out := make([]saveOutput, 0, len(saves))
			for _, s := range saves {
				out = append(out, newSaveOutput(s))
			}
			return a.print(out)
		},
	}
	cmd.Flags().IntVar(&a.limit, "limit", 20, "maximum number of saves")
	cmd.Flags().IntVar(&a.offset, "offset", 0, "number of saves to skip")
	return cmd
}

func (a *app) loadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load <id>",
		Short: "Switch to a game state, or to a save with --save",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.saveID {
				v, err := a.engine.LoadSave(cmd.Context(), a.owner, args[0])
				return a.printView(v, err)
			}
			v, err := a.engine.Load(cmd.Context(), a.owner, args[0])
			return a.printView(v, err)
		},
	}
	cmd.Flags().BoolVar(&a.saveID, "save", false, "treat the id as a save id")
	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the dialogue of the current branch, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.engine.History(cmd.Context(), a.owner, "", store.Page{Limit: a.limit, Offset: a.offset})
			if err != nil {
				return err
			}
			out := make([]messageOutput, 0, len(entries))
			for _, e := range entries {
				out = append(out, newMessageOutput(e.GameStateID, e.Message))
			}
			return a.print(out)
		},
	}
	cmd.Flags().IntVar(&a.limit, "limit", 20, "maximum number of chain positions")
	cmd.Flags().IntVar(&a.offset, "offset", 0, "number of chain positions to skip")
	return cmd
}

func (a *app) usageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage for a UTC day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var day time.Time
			if a.day != "" {
				var err error
				day, err = time.Parse(time.DateOnly, a.day)
				if err != nil {
					return fmt.Errorf("invalid --day %q: %w", a.day, err)
				}
			}
			daily, err := a.engine.Usage(cmd.Context(), a.owner, day)
			if err != nil {
				return err
			}
			return a.print(newUsageOutput(daily))
		},
	}
	cmd.Flags().StringVar(&a.day, "day", "", "day as YYYY-MM-DD, defaults to today")
	return cmd
}

func (a *app) printView(v *talebranch.View, err error) error {
	if err != nil {
		return err
	}
	return a.print(newViewOutput(v))
}

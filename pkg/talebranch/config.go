package talebranch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/dan-solli/talebranch/pkg/llm"
	"github.com/dan-solli/talebranch/pkg/store"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "TALEBRANCH_"

// ErrInvalidConfig is returned when configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds configuration for the engine. It is read once by LoadConfig
// and handed to adapter constructors; nothing else reads the environment.
type Config struct {
	// DBPath is the SQLite file, or ":memory:".
	DBPath   string `env:"DB_PATH" envDefault:"talebranch.db" validate:"required"`
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite sqlite3"`

	MaxChainDepth int  `env:"MAX_CHAIN_DEPTH" envDefault:"65536" validate:"gt=0"`
	PruneOrphans  bool `env:"PRUNE_ORPHANS" envDefault:"true"`

	LLMProvider            string `env:"LLM_PROVIDER" envDefault:"openai" validate:"oneof=openai anthropic ollama"`
	LLMBaseURL             string `env:"LLM_BASE_URL" validate:"omitempty,url"`
	LLMAPIKey              string `env:"LLM_API_KEY"`
	Model                  string `env:"MODEL"`
	PremiumModel           string `env:"PREMIUM_MODEL"`
	TranslatorModel        string `env:"TRANSLATOR_MODEL"`
	PremiumTranslatorModel string `env:"PREMIUM_TRANSLATOR_MODEL"`
	SummaryModel           string `env:"SUMMARY_MODEL"`
	PremiumSummaryModel    string `env:"PREMIUM_SUMMARY_MODEL"`

	// AnthropicAPIKey enables Anthropic for premium generation when the main
	// provider is not Anthropic.
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	// ClassifierProvider selects the zero-shot endpoint or an embedding
	// similarity classifier. The zeroshot provider needs ClassifierURL.
	ClassifierProvider    string  `env:"CLASSIFIER_PROVIDER" envDefault:"zeroshot" validate:"oneof=zeroshot openai ollama"`
	ClassifierURL         string  `env:"CLASSIFIER_URL" validate:"omitempty,url"`
	ClassifierAPIKey      string  `env:"CLASSIFIER_API_KEY"`
	ClassifierModel       string  `env:"CLASSIFIER_MODEL"`
	ClassifierTemperature float64 `env:"CLASSIFIER_TEMPERATURE" validate:"gte=0"`

	GenerationLanguage string `env:"GENERATION_LANGUAGE" envDefault:"en" validate:"required"`

	// TracePath enables JSONL operation traces in builds with -tags tracing.
	TracePath string `env:"TRACE_PATH"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
}

// LoadConfig reads TALEBRANCH_* variables and validates the result.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints, the classifier endpoint and the
// generation language tag.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.ClassifierProvider == "zeroshot" && c.ClassifierURL == "" {
		return fmt.Errorf("%w: the zeroshot classifier requires CLASSIFIER_URL", ErrInvalidConfig)
	}
	if _, err := c.Language(); err != nil {
		return err
	}
	return nil
}

// Language parses GenerationLanguage.
func (c Config) Language() (language.Tag, error) {
	tag, err := language.Parse(c.GenerationLanguage)
	if err != nil {
		return language.Und, fmt.Errorf("%w: generation language %q: %v", ErrInvalidConfig, c.GenerationLanguage, err)
	}
	return tag, nil
}

// Level maps LogLevel to a slog level.
func (c Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Models returns the model names per capability and tier.
func (c Config) Models() llm.Models {
	return llm.Models{
		Generation:         c.Model,
		PremiumGeneration:  c.PremiumModel,
		Translation:        c.TranslatorModel,
		PremiumTranslation: c.PremiumTranslatorModel,
		Summary:            c.SummaryModel,
		PremiumSummary:     c.PremiumSummaryModel,
	}
}

// StoreOptions returns the store options implied by the config.
func (c Config) StoreOptions() []store.Option {
	return []store.Option{
		store.WithDriver(c.DBDriver),
		store.WithMaxChainDepth(c.MaxChainDepth),
		store.WithPruneOrphans(c.PruneOrphans),
	}
}

package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/nbrewer/mneme/internal/review"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Blobs     BlobsConfig       `yaml:"blobs"`
	Auth      AuthConfig        `yaml:"auth"`
	Review    ReviewConfig      `yaml:"review"`
	Queue     QueueConfig       `yaml:"queue"`
	Retention RetentionConfig   `yaml:"retention"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Blobs.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Review.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	return c.Retention.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// BlobsConfig holds the path to the attachment blob directory.
type BlobsConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the blobs configuration.
func (c *BlobsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// ReviewConfig holds the spaced-repetition policy knobs. Tables left
// empty fall back to the built-in ladders. This section is hot-reloaded
// when the config file changes on disk.
type ReviewConfig struct {
	AccelerateTags []string     `yaml:"accelerate_tags"`
	Tables         review.Tables `yaml:"tables"`
}

// Validate validates the review configuration.
func (c *ReviewConfig) Validate() error {
	for name, table := range map[string][]int{
		"standard":    c.Tables.Standard,
		"accelerated": c.Tables.Accelerated,
		"mastered":    c.Tables.Mastered,
	} {
		for _, days := range table {
			if days < 1 {
				return fmt.Errorf("review: %s table contains interval %d, must be >= 1 day", name, days)
			}
		}
	}
	return nil
}

// Policy builds the scheduler policy from this section.
func (c *ReviewConfig) Policy() review.Policy {
	p := review.DefaultPolicy()
	p.AccelerateTags = c.AccelerateTags
	if len(c.Tables.Standard) > 0 {
		p.Tables.Standard = c.Tables.Standard
	}
	if len(c.Tables.Accelerated) > 0 {
		p.Tables.Accelerated = c.Tables.Accelerated
	}
	if len(c.Tables.Mastered) > 0 {
		p.Tables.Mastered = c.Tables.Mastered
	}
	return p
}

// QueueConfig holds the background worker configuration.
type QueueConfig struct {
	Enabled     bool `yaml:"enabled"`
	PollSeconds int  `yaml:"poll_seconds"`
	BatchSize   int  `yaml:"batch_size"`
}

// Validate validates the queue configuration.
func (c *QueueConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.PollSeconds, validation.Min(1)),
		validation.Field(&c.BatchSize, validation.Min(1)),
	)
}

// PollInterval returns the worker poll interval.
func (c *QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// RetentionConfig controls the background sweeper: tombstoned notes and
// completed operations older than these windows are purged for good.
type RetentionConfig struct {
	NoteDays      int `yaml:"note_days"`
	OperationDays int `yaml:"operation_days"`
	SweepMinutes  int `yaml:"sweep_minutes"`
}

// Validate validates the retention configuration.
func (c *RetentionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.NoteDays, validation.Min(1)),
		validation.Field(&c.OperationDays, validation.Min(1)),
		validation.Field(&c.SweepMinutes, validation.Min(1)),
	)
}

// SweepInterval returns how often the sweeper runs.
func (c *RetentionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepMinutes) * time.Minute
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		SQLite: SQLiteConfig{
			Path: "./mneme.db",
		},
		Blobs: BlobsConfig{
			Path: "./blobs",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Review: ReviewConfig{
			Tables: review.DefaultTables(),
		},
		Queue: QueueConfig{
			Enabled:     true,
			PollSeconds: 1,
			BatchSize:   10,
		},
		Retention: RetentionConfig{
			NoteDays:      30,
			OperationDays: 7,
			SweepMinutes:  60,
		},
	}
}

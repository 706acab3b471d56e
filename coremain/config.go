package coremain

import (
	"time"

	"github.com/getlockinnn/proven-sync/mlog"
	"github.com/getlockinnn/proven-sync/pkg/cachestore"
	"github.com/getlockinnn/proven-sync/pkg/mutation_queue"
	"github.com/getlockinnn/proven-sync/pkg/proof/s3_target"
	"github.com/getlockinnn/proven-sync/pkg/syncctl"
	"github.com/getlockinnn/proven-sync/pkg/transport"
)

type Config struct {
	Log       mlog.LogConfig  `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Cache     CacheConfig     `yaml:"cache"`
	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Proofs    ProofsConfig    `yaml:"proofs"`
}

type APIConfig struct {
	// HTTP is the listen address of the metrics/debug mux. Empty
	// disables it.
	HTTP string `yaml:"http"`
}

type StorageConfig struct {
	// Backend is one of "fs" (default), "sqlite", "redis", "memory".
	Backend string `yaml:"backend"`

	// Dir is the state directory for the fs backend and for proof
	// images. Default "./proven_state".
	Dir string `yaml:"dir"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// RedisURL configures the redis backend, e.g. "redis://127.0.0.1:6379/0".
	RedisURL string `yaml:"redis_url"`
}

type TransportConfig struct {
	// BaseURL of the Proven backend. Cannot be empty.
	BaseURL string `yaml:"base_url"`

	// Timeout per request attempt. Default 15s.
	Timeout time.Duration `yaml:"timeout"`

	// TokenEnv names the environment variable holding the bearer token.
	// The token is consumed, never persisted.
	TokenEnv string `yaml:"token_env"`
}

type CacheConfig struct {
	// Budget is the global byte budget. Default 10MiB.
	Budget int64 `yaml:"budget"`

	// DefaultTTL applies to types missing from Types.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// Types maps semantic types to their TTL config.
	Types map[string]cachestore.TypeConfig `yaml:"types"`
}

type QueueConfig struct {
	Capacity   int `yaml:"capacity"`
	MaxRetries int `yaml:"max_retries"`
}

type SyncConfig struct {
	Debounce        time.Duration `yaml:"debounce"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type ProofsConfig struct {
	// Dir overrides where offline proof images are kept. Defaults to
	// <storage.dir>/proofs.
	Dir string `yaml:"dir"`

	// SubmitEndpoint defaults to the pipeline's default.
	SubmitEndpoint string `yaml:"submit_endpoint"`

	// S3 configures the upload-target provider. The pipeline is
	// disabled without it.
	S3 *s3_target.Opts `yaml:"s3"`
}

// DefaultConfig is the config written by `provensync config init`. The TTL
// table mirrors the app's read cadence: volatile feeds expire in minutes,
// near-static profile data lasts half an hour.
func DefaultConfig() *Config {
	return &Config{
		Log: mlog.LogConfig{Level: "info"},
		API: APIConfig{HTTP: "127.0.0.1:9059"},
		Storage: StorageConfig{
			Backend: "fs",
			Dir:     "./proven_state",
		},
		Transport: TransportConfig{
			BaseURL:  "https://api.getproven.app",
			Timeout:  transport.DefaultTimeout,
			TokenEnv: "PROVEN_TOKEN",
		},
		Cache: CacheConfig{
			Budget:     cachestore.DefaultBudget,
			DefaultTTL: time.Minute * 5,
			Types: map[string]cachestore.TypeConfig{
				"challenges":     {TTL: time.Minute * 5, MaxItemsHint: 50},
				"challenge":      {TTL: time.Minute * 2, MaxItemsHint: 100},
				"user_challenge": {TTL: time.Minute * 2, MaxItemsHint: 100},
				"feed":           {TTL: time.Minute * 2, MaxItemsHint: 20},
				"leaderboard":    {TTL: time.Minute * 10, MaxItemsHint: 20},
				"profile":        {TTL: time.Minute * 30, MaxItemsHint: 10},
			},
		},
		Queue: QueueConfig{
			Capacity:   mutation_queue.DefaultCapacity,
			MaxRetries: mutation_queue.DefaultMaxRetries,
		},
		Sync: SyncConfig{
			Debounce:        syncctl.DefaultDebounce,
			RefreshInterval: syncctl.DefaultRefreshInterval,
		},
		Proofs: ProofsConfig{},
	}
}

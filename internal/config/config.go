// Package config loads the kernel's single TOML configuration document
// (spec 6) with github.com/BurntSushi/toml, then layers environment
// variable overrides on top with github.com/spf13/viper — both are
// dependencies the teacher repo declares but never reaches in any
// retrievable file; this is their first home.
package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/hpeXt/wasmkernel/internal/kernelerr"
)

// EnvPrivateKey is the well-known environment variable carrying a
// hex-encoded private key, consulted only when Identity.AllowEnvKey is
// true (spec 4.1 step 1, spec 6).
const EnvPrivateKey = "KERNEL_IDENTITY_KEY"

// EnvLogFilter is the well-known environment variable controlling the log
// level (spec 6 "one controls the log filter").
const EnvLogFilter = "KERNEL_LOG"

// Identity mirrors the spec 6 [identity] TOML section.
type Identity struct {
	UseKeyring        bool   `toml:"use_keyring"`
	KeyringTimeoutSecs int   `toml:"keyring_timeout_secs"`
	PrivateKeyFile    string `toml:"private_key_file"`
	AllowEnvKey       bool   `toml:"allow_env_key"`
}

// Log controls structured-log output (ambient, not named in spec but
// required by A1).
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Limits resolves spec 9's two open questions with configurable,
// conservative defaults.
type Limits struct {
	MaxPayloadBytes           int `toml:"max_payload_bytes"`
	MaxSubscriptionsPerPlugin int `toml:"max_subscriptions_per_plugin"`
}

// Kernel controls on-disk layout and global behavior (spec 6).
type Kernel struct {
	DataDir              string `toml:"data_dir"`
	PluginDir            string `toml:"plugin_dir"`
	Log                  Log    `toml:"log"`
	RequireSignedPlugins bool   `toml:"require_signed_plugins"`
	// TrustedKeysDir holds one hex-encoded ed25519 public key per file,
	// consulted only when RequireSignedPlugins is true.
	TrustedKeysDir string `toml:"trusted_keys_dir"`
}

// Config is the fully parsed configuration document.
type Config struct {
	Identity Identity          `toml:"identity"`
	Kernel   Kernel            `toml:"kernel"`
	Limits   Limits            `toml:"limits"`
	Plugins  map[string]map[string]any `toml:"plugins"`
}

// Default returns a Config populated with the spec 9 open-question
// defaults and a sane on-disk layout, as if no file were present.
func Default() Config {
	return Config{
		Identity: Identity{
			UseKeyring:         true,
			KeyringTimeoutSecs: 30,
			PrivateKeyFile:     "identity.key",
			AllowEnvKey:        false,
		},
		Kernel: Kernel{
			DataDir:        "./data",
			PluginDir:      "./data/plugins",
			Log:            Log{Level: "info", Format: "text"},
			TrustedKeysDir: "./data/trusted_keys",
		},
		Limits: Limits{
			MaxPayloadBytes:           1 << 20, // 1 MiB
			MaxSubscriptionsPerPlugin: 128,
		},
		Plugins: map[string]map[string]any{},
	}
}

// Load decodes the TOML document at path with BurntSushi/toml, then
// overlays two environment variables on top: KERNEL_LOG (log level) and
// KERNEL_DATA_DIR. No other setting is read from the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, &kernelerr.ConfigError{Err: err}
			}
		} else if !os.IsNotExist(err) {
			return Config{}, &kernelerr.ConfigError{Err: err}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("KERNEL")
	v.AutomaticEnv()
	if lvl := v.GetString("LOG"); lvl != "" {
		cfg.Kernel.Log.Level = lvl
	}
	if v.IsSet("DATA_DIR") {
		cfg.Kernel.DataDir = v.GetString("DATA_DIR")
	}

	cfg.Kernel.DataDir = filepath.Clean(cfg.Kernel.DataDir)
	cfg.Kernel.PluginDir = filepath.Clean(cfg.Kernel.PluginDir)
	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Server     ServerConfig     `toml:"server"`
	UI         UIConfig         `toml:"ui"`
	Encryption EncryptionConfig `toml:"encryption"`
	Hooks      HooksConfig      `toml:"hooks"`
	Logging    LoggingConfig    `toml:"logging"`
	History    HistoryConfig    `toml:"history"`
	MUC        MUCConfig        `toml:"muc"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`

	// AutoAwaySeconds is the idle interval before the away transition
	// (0 disables).
	AutoAwaySeconds int    `toml:"auto_away_seconds"`
	AutoAwayMessage string `toml:"auto_away_message"`

	// BlockUnsubscribed drops messages from peers without a presence
	// subscription.
	BlockUnsubscribed bool `toml:"block_unsubscribed"`
}

// ServerConfig selects how the connection is made. SSL (direct TLS on
// the legacy port) and TLS (STARTTLS on the standard port) are mutually
// exclusive; TLS wins when both are set.
type ServerConfig struct {
	Host string `toml:"host"` // empty uses the JID domain
	Port int    `toml:"port"` // 0 uses the mode's default

	SSL bool `toml:"ssl"`
	TLS bool `toml:"tls"`

	// Fingerprint pins the server certificate (hex SHA-1). A mismatch
	// aborts the handshake unless IgnoreFingerprintMismatch is set.
	Fingerprint               string `toml:"fingerprint"`
	IgnoreFingerprintMismatch bool   `toml:"ignore_fingerprint_mismatch"`
}

// UIConfig contains UI-related settings
type UIConfig struct {
	Theme          string `toml:"theme"`
	RosterWidth    int    `toml:"roster_width"`
	LogHeight      int    `toml:"log_height"`
	ShowTimestamps bool   `toml:"show_timestamps"`
	TimeFormat     string `toml:"time_format"`
}

// EncryptionConfig contains encryption settings
type EncryptionConfig struct {
	// Default is the scheme used for contacts without an explicit
	// preference: "", "pgp", "otr" or "omemo".
	Default           string `toml:"default"`
	RequireEncryption bool   `toml:"require_encryption"`
	OMEMOTOFU         bool   `toml:"omemo_tofu"`
	PGPPrivateKeyFile string `toml:"pgp_private_key_file"`
}

// HooksConfig configures the external event hooks.
type HooksConfig struct {
	Enabled []string `toml:"enabled"`
	HookDir string   `toml:"hook_dir"`

	// PipePath is the command pipe exported to hook children.
	PipePath string `toml:"pipe_path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// HistoryConfig controls the per-contact flat-file message log.
type HistoryConfig struct {
	// Dir is the log directory; empty means <data_dir>/history.
	Dir string `toml:"dir"`

	// MaxAgeDays skips log entries older than this on replay
	// (0 = unlimited).
	MaxAgeDays int `toml:"max_history_age"`

	// MaxBlocks bounds the scrollback arena per conversation
	// (0 = unbounded).
	MaxBlocks int `toml:"max_history_blocks"`

	// LoadMUCLogs also writes/replays logs for chat rooms.
	LoadMUCLogs bool `toml:"load_muc_logs"`

	// IgnoreStatus suppresses status-change records in the logs.
	IgnoreStatus bool `toml:"logging_ignore_status"`
}

// MUCConfig contains chat-room settings.
type MUCConfig struct {
	DefaultNick string `toml:"default_nick"`

	// PrintStatus is the default join/leave print policy:
	// "none", "joins" or "all".
	PrintStatus string `toml:"print_status"`
}

// Account represents an XMPP account configuration
type Account struct {
	JID         string `toml:"jid"`
	Password    string `toml:"password"`
	UseKeyring  bool   `toml:"use_keyring"`
	AutoConnect bool   `toml:"auto_connect"`
	Resource    string `toml:"resource"`
	Priority    int    `toml:"priority"`
	Session     bool   `toml:"-"` // Session-only account, not saved to disk
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			AutoConnect:     true,
			AutoAwaySeconds: 0,
			AutoAwayMessage: "Auto-away (idle)",
		},
		Server: ServerConfig{
			TLS: true,
		},
		UI: UIConfig{
			Theme:          "default",
			RosterWidth:    24,
			LogHeight:      5,
			ShowTimestamps: true,
			TimeFormat:     "15:04",
		},
		Encryption: EncryptionConfig{
			Default:   "",
			OMEMOTOFU: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
		},
		History: HistoryConfig{
			MaxAgeDays: 0,
			MaxBlocks:  64,
		},
		MUC: MUCConfig{
			PrintStatus: "joins",
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "roster")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "roster")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "roster")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config doesn't exist, use defaults
		applyPathDefaults(cfg, paths)
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.Hooks.HookDir = expandPath(cfg.Hooks.HookDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.History.Dir = expandPath(cfg.History.Dir)
	applyPathDefaults(cfg, paths)

	return cfg, nil
}

// applyPathDefaults fills empty paths from the XDG layout.
func applyPathDefaults(cfg *Config, paths *Paths) {
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	}
	if cfg.Hooks.HookDir == "" {
		cfg.Hooks.HookDir = filepath.Join(cfg.General.DataDir, "hooks")
	}
	if cfg.Hooks.PipePath == "" {
		cfg.Hooks.PipePath = filepath.Join(cfg.General.DataDir, "cmdpipe")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "roster.log")
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = filepath.Join(cfg.General.DataDir, "history")
	}
}

// LoadAccounts loads account configurations
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	// Set defaults for accounts
	for i := range accounts.Accounts {
		if accounts.Accounts[i].Resource == "" {
			accounts.Accounts[i].Resource = "roster"
		}
	}

	return &accounts, nil
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveAccounts saves account configurations
func SaveAccounts(accounts *AccountsConfig) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")
	f, err := os.Create(accountsPath)
	if err != nil {
		return fmt.Errorf("failed to create accounts file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

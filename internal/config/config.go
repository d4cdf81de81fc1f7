package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultAuthSecret signs tokens when Auth_Secret is unset. Anyone who knows
// it can mint tokens.
const DefaultAuthSecret = "changeme"

const (
	ArchiveNone   = "none"
	ArchiveRedis  = "redis"
	ArchiveSQLite = "sqlite"
)

type Config struct {
	Server  Server
	Auth    Auth
	Daemon  Daemon
	Archive Archive
	Redis   Redis
	SQLite  SQLite
	Driver  Driver
	Log     Log
}

type Server struct {
	Name       string `env:"Server_Name" envDefault:"DummyDriver"`
	Experiment string `env:"Server_Experiment"`
	Contact    string `env:"Server_Contact"`
	Port       int    `env:"Server_Port" envDefault:"5000"`
}

type Auth struct {
	Secret   string `env:"Auth_Secret" envDefault:"changeme"`
	Password string `env:"Auth_Password"`
}

// DefaultSecret reports whether tokens are signed with DefaultAuthSecret.
func (a Auth) DefaultSecret() bool { return a.Secret == DefaultAuthSecret }

type Daemon struct {
	StartPaused      bool          `env:"Daemon_StartPaused"`
	StartDebug       bool          `env:"Daemon_StartDebug"`
	DebugDelay       time.Duration `env:"Daemon_DebugDelay" envDefault:"3s"`
	PausePoll        time.Duration `env:"Daemon_PausePoll" envDefault:"100ms"`
	PauseLogInterval time.Duration `env:"Daemon_PauseLogInterval" envDefault:"60s"`
}

type Archive struct {
	Backend string `env:"Archive_Backend" envDefault:"none"`
}

type Redis struct {
	Addr           string `env:"Redis_Address" envDefault:"localhost:6379"`
	Password       string `env:"Redis_Password"`
	DB             int    `env:"Redis_DB"`
	StreamKey      string `env:"Redis_StreamKey" envDefault:"instrumentq:history"`
	StateKeyPrefix string `env:"Redis_StateKeyPrefix" envDefault:"task:"`
	MaxLen         int64  `env:"Redis_MaxLen" envDefault:"100000"`
}

type SQLite struct {
	Path string `env:"SQLite_Path" envDefault:"instrumentq.db"`
}

type Driver struct {
	ConfigDir string `env:"Driver_ConfigDir" envDefault:"."`
}

type Log struct {
	Level string `env:"Log_Level" envDefault:"info"`
}

// Load reads an optional .env file into the environment and parses it.
// Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveRedis, ArchiveSQLite:
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.Name == "" {
		return errors.New("server name must not be empty")
	}
	return nil
}

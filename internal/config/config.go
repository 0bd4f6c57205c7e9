// Package config loads server and client settings from the environment.
// An optional .env file in the working directory is read first.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type Server struct {
	Host      string `env:"HOST,default=0.0.0.0"`
	Port      int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	LogFormat string `env:"LOG_FORMAT,default=text" validate:"oneof=text json"`

	JournalEnabled       bool          `env:"JOURNAL_ENABLED,default=true"`
	DBPath               string        `env:"DB_PATH,default=./data/codepad.db" validate:"required_if=JournalEnabled true"`
	JournalRetention     time.Duration `env:"JOURNAL_RETENTION,default=168h" validate:"gt=0"`
	JournalPruneInterval time.Duration `env:"JOURNAL_PRUNE_INTERVAL,default=10m" validate:"gt=0"`

	SendBuffer        int     `env:"SEND_BUFFER,default=256" validate:"min=1"`
	MaxMessageBytes   int64   `env:"MAX_MESSAGE_BYTES,default=1048576" validate:"min=1024"`
	MessagesPerSecond float64 `env:"MESSAGES_PER_SECOND,default=50" validate:"gt=0"`
	MessageBurst      int     `env:"MESSAGE_BURST,default=100" validate:"min=1"`

	RoomWelcome string `env:"ROOM_WELCOME"`
}

func (s Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Client struct {
	ServerURL         string        `env:"CODEPAD_SERVER,default=ws://localhost:8080/ws" validate:"required,url"`
	Debounce          time.Duration `env:"CODEPAD_DEBOUNCE,default=500ms" validate:"gt=0"`
	EchoWindow        time.Duration `env:"CODEPAD_ECHO_WINDOW,default=50ms" validate:"gt=0"`
	ReconnectAttempts int           `env:"CODEPAD_RECONNECT_ATTEMPTS,default=5" validate:"min=1"`
	ConnectTimeout    time.Duration `env:"CODEPAD_CONNECT_TIMEOUT,default=10s" validate:"gt=0"`
	LogLevel          string        `env:"CODEPAD_LOG_LEVEL,default=warn" validate:"oneof=debug info warn error"`
}

// LoadServer reads the server configuration from .env and the process environment
func LoadServer() (Server, error) {
	es, err := environ()
	if err != nil {
		return Server{}, err
	}
	return ParseServer(es)
}

// LoadClient reads the client configuration from .env and the process environment
func LoadClient() (Client, error) {
	es, err := environ()
	if err != nil {
		return Client{}, err
	}
	return ParseClient(es)
}

func ParseServer(es env.EnvSet) (Server, error) {
	var cfg Server
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Server{}, fmt.Errorf("config error: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Server{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func ParseClient(es env.EnvSet) (Client, error) {
	var cfg Client
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Client{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks a client configuration after flags were applied
func (c Client) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func environ() (env.EnvSet, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	return es, nil
}

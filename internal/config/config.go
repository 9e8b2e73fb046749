package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Drivers de almacenamiento soportados para mensajes.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMongo    = "mongo"
	StoreDriverBadger   = "badger"
	StoreDriverMemory   = "memory"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort      string        `env:"HTTP_PORT" envDefault:"8080"`
	StoreDriver   string        `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	DBMaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	MongoURI      string        `env:"MONGO_URI"`
	MongoDatabase string        `env:"MONGO_DATABASE" envDefault:"dm_relay"`
	BadgerPath    string        `env:"BADGER_PATH" envDefault:"./data/badger"`
	StoreTimeout  time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	JWTSecret     string        `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer     string        `env:"JWT_ISSUER" envDefault:"dm-relay"`
	DedupWindow   time.Duration `env:"DEDUP_WINDOW" envDefault:"500ms"`
	ProcessedTTL  time.Duration `env:"PROCESSED_TTL" envDefault:"10m"`
	ProcessedMax  int           `env:"PROCESSED_MAX" envDefault:"100000"`
	SendRateRPS   float64       `env:"SEND_RATE_RPS" envDefault:"5"`
	SendRateBurst int           `env:"SEND_RATE_BURST" envDefault:"10"`
	CORSOrigins   []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	WSSendBuffer  int           `env:"WS_SEND_BUFFER" envDefault:"256"`
}

var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate revisa reglas que dependen de más de un campo.
func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL required for postgres driver", ErrInvalidConfig)
		}
	case StoreDriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: MONGO_URI required for mongo driver", ErrInvalidConfig)
		}
	case StoreDriverBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("%w: BADGER_PATH required for badger driver", ErrInvalidConfig)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidConfig, c.StoreDriver)
	}
	if c.DedupWindow < 0 || c.ProcessedTTL <= 0 {
		return fmt.Errorf("%w: dedup windows must be positive", ErrInvalidConfig)
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: DB_MIN_CONNS must be between 0 and DB_MAX_CONNS", ErrInvalidConfig)
	}
	if c.WSSendBuffer <= 0 {
		c.WSSendBuffer = 256
	}
	return nil
}

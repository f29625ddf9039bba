package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Port     int    `mapstructure:"port"`
	ServerId string `mapstructure:"server_id"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	NotificationTopic string   `mapstructure:"notification_topic"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type WSConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

type PresenceConfig struct {
	TypingWindow   time.Duration `mapstructure:"typing_window"`
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
}

type SyncConfig struct {
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	DraftTTL       time.Duration `mapstructure:"draft_ttl"`
}

type SendConfig struct {
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

type DirectoryConfig struct {
	LegacyLookup bool `mapstructure:"legacy_lookup"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	WS        WSConfig        `mapstructure:"ws"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Send      SendConfig      `mapstructure:"send"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
}

const defaultJWTSecret = "your-secret-key-change-this-in-production"

// legacyEnv maps config keys to the environment names older deployments use.
var legacyEnv = map[string]string{
	"app.port":       "PORT",
	"app.server_id":  "SERVER_ID",
	"mongo.uri":      "MONGODB_URI",
	"mongo.database": "MONGODB_DATABASE",
	"redis.addr":     "REDIS_ADDR",
	"jwt.secret":     "JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.server_id", "server-1")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "chatsync")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "chatsync")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.notification_topic", "chat.notifications")
	v.SetDefault("jwt.secret", defaultJWTSecret)
	v.SetDefault("ws.ping_interval", 25*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.write_wait", 10*time.Second)
	v.SetDefault("ws.max_message_size", 65536)
	v.SetDefault("ws.rate_per_second", 20)
	v.SetDefault("ws.burst", 40)
	v.SetDefault("presence.typing_window", 2*time.Second)
	v.SetDefault("presence.heartbeat_grace", 60*time.Second)
	v.SetDefault("sync.backoff_initial", 200*time.Millisecond)
	v.SetDefault("sync.backoff_max", 10*time.Second)
	v.SetDefault("sync.draft_ttl", 30*time.Second)
	v.SetDefault("send.retry_max_elapsed", 5*time.Second)
	v.SetDefault("directory.legacy_lookup", true)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)
}

// Load reads .env, then the optional config file at path, then the
// environment. Environment variables win; nested keys use "_" (APP_PORT).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("godotenv: no .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		upper := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, upper, env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	// comma separated broker lists arrive as one element from the environment
	if len(c.Kafka.Brokers) == 1 && strings.Contains(c.Kafka.Brokers[0], ",") {
		c.Kafka.Brokers = strings.Split(c.Kafka.Brokers[0], ",")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Mongo.Database == "" {
		return errors.New("config: mongo.database is required")
	}
	if c.App.Port <= 0 {
		return errors.New("config: app.port must be positive")
	}
	if c.Presence.TypingWindow <= 0 || c.Presence.HeartbeatGrace <= 0 {
		return errors.New("config: presence windows must be positive")
	}
	if c.WS.PingInterval <= 0 || c.WS.PongWait <= c.WS.PingInterval {
		return errors.New("config: ws.pong_wait must exceed ws.ping_interval")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		return errors.New("config: invalid sync backoff window")
	}
	if c.Sync.DraftTTL <= 0 {
		return errors.New("config: sync.draft_ttl must be positive")
	}
	return nil
}

func (c *Config) UsesDefaultJWTSecret() bool {
	return c.JWT.Secret == defaultJWTSecret
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultDisposableDomains are never expanded into deliveries.
var DefaultDisposableDomains = []string{
	"example.org",
	"example.net",
	"example.com",
	"demo.com",
	"test.com",
	"localhost",
	"testing.com",
	"dummy.com",
	"fake.com",
}

// Config holds all configuration for the mailer.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Mail     MailConfig     `yaml:"mail"`
	API      APIConfig      `yaml:"api"`
	SES      SESConfig      `yaml:"ses"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Tracking TrackingConfig `yaml:"tracking"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// QueueConfig selects the dispatch queue backend. An empty AMQP URL means
// the in-process queue.
type QueueConfig struct {
	AMQPURL        string `yaml:"amqp_url"`
	Name           string `yaml:"name"`
	Concurrency    int    `yaml:"concurrency"`
	MaxAttempts    int    `yaml:"max_attempts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	BackoffSeconds int    `yaml:"backoff_seconds"`
}

// Timeout returns the per-attempt execution bound.
func (c QueueConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether lifecycle events should be published.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type MailConfig struct {
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
	// Footer is a Liquid template appended to every mail body.
	Footer string `yaml:"footer"`
	// FallbackToSMTP makes the strategy retry a failed API send over SMTP.
	FallbackToSMTP bool `yaml:"fallback_to_smtp"`
}

// APIConfig is the managed HTTP mail API (mailgun-style form POST).
type APIConfig struct {
	Kind           string `yaml:"kind"`
	Key            string `yaml:"key"`
	Domain         string `yaml:"domain"`
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Enabled reports whether the API transport has credentials.
func (c APIConfig) Enabled() bool {
	return c.Key != "" && c.Domain != ""
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type SESConfig struct {
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	Region           string `yaml:"region"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// Enabled reports whether SES credentials are present.
func (c SESConfig) Enabled() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

type SMTPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c SMTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DeliveryConfig drives expansion staggering and sweep sizes.
type DeliveryConfig struct {
	PerCampaignRun       int      `yaml:"per_campaign_run"`
	PerSendRun           int      `yaml:"per_send_run"`
	BaseDelayMinutes     int      `yaml:"base_delay_minutes"`
	MaxJitterSeconds     int      `yaml:"max_jitter_seconds"`
	DefaultCooldownHours int      `yaml:"default_cooldown_hours"`
	DisposableDomains    []string `yaml:"disposable_domains"`
}

func (c DeliveryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMinutes) * time.Minute
}

func (c DeliveryConfig) MaxJitter() time.Duration {
	return time.Duration(c.MaxJitterSeconds) * time.Second
}

type BreakerConfig struct {
	Threshold     int `yaml:"threshold"`
	WindowMinutes int `yaml:"window_minutes"`
}

func (c BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}

type TrackingConfig struct {
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	cfg.Mail.FallbackToSMTP = true

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadFromEnv loads a .env file if present, then the YAML file, then applies
// environment variable overrides.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Queue.AMQPURL, "AMQP_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	setString(&cfg.API.Key, "MAIL_API_KEY")
	setString(&cfg.API.Domain, "MAIL_API_DOMAIN")
	setString(&cfg.API.URL, "MAIL_API_URL")
	setString(&cfg.API.Kind, "MAIL_API_KIND")

	setString(&cfg.SES.AccessKey, "AWS_SES_ACCESS_KEY")
	setString(&cfg.SES.SecretKey, "AWS_SES_SECRET_KEY")
	setString(&cfg.SES.Region, "AWS_SES_REGION")

	setString(&cfg.SMTP.Host, "SMTP_HOST")
	setInt(&cfg.SMTP.Port, "SMTP_PORT")
	setString(&cfg.SMTP.Username, "SMTP_USERNAME")
	setString(&cfg.SMTP.Password, "SMTP_PASSWORD")

	setString(&cfg.Mail.FromAddress, "MAIL_FROM_ADDRESS")
	setString(&cfg.Mail.FromName, "MAIL_FROM_NAME")
	if v := os.Getenv("EMAIL_FALLBACK_TO_SMTP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Mail.FallbackToSMTP = b
		}
	}

	setInt(&cfg.Delivery.PerSendRun, "EMAIL_DELIVERIES_PER_SEND_RUN")
	setInt(&cfg.Delivery.PerCampaignRun, "EMAIL_DELIVERIES_PER_CAMPAIGN_RUN")
	setInt(&cfg.Delivery.BaseDelayMinutes, "EMAIL_DELAY_BASE_MINUTES")
	setInt(&cfg.Delivery.MaxJitterSeconds, "EMAIL_DELAY_RANDOM_SECONDS")

	setString(&cfg.Tracking.BaseURL, "TRACKING_BASE_URL")
	setString(&cfg.Tracking.Secret, "TRACKING_SECRET")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "mailer"
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 4
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.TimeoutSeconds == 0 {
		cfg.Queue.TimeoutSeconds = 120
	}
	if cfg.Queue.BackoffSeconds == 0 {
		cfg.Queue.BackoffSeconds = 30
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "mailer.events"
	}
	if cfg.API.Kind == "" {
		cfg.API.Kind = "http"
	}
	if cfg.API.URL == "" {
		cfg.API.URL = "https://api.mailgun.net"
	}
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.TimeoutSeconds == 0 {
		cfg.SMTP.TimeoutSeconds = 30
	}
	if cfg.Mail.FromName == "" {
		cfg.Mail.FromName = "Mailer"
	}
	if cfg.Delivery.PerCampaignRun == 0 {
		cfg.Delivery.PerCampaignRun = 50
	}
	if cfg.Delivery.PerSendRun == 0 {
		cfg.Delivery.PerSendRun = 100
	}
	if cfg.Delivery.BaseDelayMinutes == 0 {
		cfg.Delivery.BaseDelayMinutes = 1
	}
	if cfg.Delivery.MaxJitterSeconds == 0 {
		cfg.Delivery.MaxJitterSeconds = 60
	}
	if cfg.Delivery.DefaultCooldownHours == 0 {
		cfg.Delivery.DefaultCooldownHours = 48
	}
	if len(cfg.Delivery.DisposableDomains) == 0 {
		cfg.Delivery.DisposableDomains = append([]string(nil), DefaultDisposableDomains...)
	}
	if cfg.Breaker.Threshold == 0 {
		cfg.Breaker.Threshold = 3
	}
	if cfg.Breaker.WindowMinutes == 0 {
		cfg.Breaker.WindowMinutes = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package conf loads application settings and the per-sensor alert
// configuration.
package conf

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"

	"github.com/hydrowatch/hydrowatch/internal/errors"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// HYDROWATCH_ENGINE_CHECK_INTERVAL_SECONDS=30.
const EnvPrefix = "HYDROWATCH"

// Settings is the root configuration.
type Settings struct {
	Engine       EngineSettings       `mapstructure:"engine" yaml:"engine"`
	Sensors      SensorsSettings      `mapstructure:"sensors" yaml:"sensors"`
	Database     DatabaseSettings     `mapstructure:"database" yaml:"database"`
	Notification NotificationSettings `mapstructure:"notification" yaml:"notification"`
	MQTT         MQTTSettings         `mapstructure:"mqtt" yaml:"mqtt"`
	API          APISettings          `mapstructure:"api" yaml:"api"`
	Log          LogSettings          `mapstructure:"log" yaml:"log"`
	Sentry       SentrySettings       `mapstructure:"sentry" yaml:"sentry"`
	History      HistorySettings      `mapstructure:"history" yaml:"history"`
}

// EngineSettings holds the evaluation knobs.
type EngineSettings struct {
	CheckIntervalSeconds           int      `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds"`
	DisconnectWarningMinutes       int      `mapstructure:"disconnect_warning_minutes" yaml:"disconnect_warning_minutes"`
	DisconnectCriticalMinutes      int      `mapstructure:"disconnect_critical_minutes" yaml:"disconnect_critical_minutes"`
	NotificationGracePeriodSeconds int      `mapstructure:"notification_grace_period_seconds" yaml:"notification_grace_period_seconds"`
	Workers                        int      `mapstructure:"workers" yaml:"workers"`
	StoreTimeout                   Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
}

func (e EngineSettings) CheckInterval() time.Duration {
	return time.Duration(e.CheckIntervalSeconds) * time.Second
}

func (e EngineSettings) DisconnectWarning() time.Duration {
	return time.Duration(e.DisconnectWarningMinutes) * time.Minute
}

func (e EngineSettings) DisconnectCritical() time.Duration {
	return time.Duration(e.DisconnectCriticalMinutes) * time.Minute
}

func (e EngineSettings) GracePeriod() time.Duration {
	return time.Duration(e.NotificationGracePeriodSeconds) * time.Second
}

// SensorsSettings points at the per-sensor JSON configuration.
type SensorsSettings struct {
	ConfigFile string `mapstructure:"config_file" yaml:"config_file"`
	HotReload  bool   `mapstructure:"hot_reload" yaml:"hot_reload"`
}

// Database types.
const (
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"
)

// DatabaseSettings selects and configures the alert store backend.
type DatabaseSettings struct {
	Type   string         `mapstructure:"type" yaml:"type"`
	SQLite SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite"`
	MySQL  MySQLSettings  `mapstructure:"mysql" yaml:"mysql"`
}

type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type MySQLSettings struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// DSN builds a go-sql-driver/mysql connection string.
func (m MySQLSettings) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		m.Username, m.Password, m.Host, m.Port, m.Database)
}

// Notification channel types.
const (
	ChannelTypeEmail    = "email"
	ChannelTypeShoutrrr = "shoutrrr"
	ChannelTypeWebhook  = "webhook"
	ChannelTypeMQTT     = "mqtt"
)

var channelTypes = []string{ChannelTypeEmail, ChannelTypeShoutrrr, ChannelTypeWebhook, ChannelTypeMQTT}

// Throttle store backends.
const (
	ThrottleStoreDatabase = "database"
	ThrottleStoreMemory   = "memory"
)

// NotificationSettings configures the named channels sensors can reference.
type NotificationSettings struct {
	Channels          map[string]ChannelSettings `mapstructure:"channels" yaml:"channels"`
	MaxSendsPerSecond float64                    `mapstructure:"max_sends_per_second" yaml:"max_sends_per_second"`
	Burst             int                        `mapstructure:"burst" yaml:"burst"`
	SendTimeout       Duration                   `mapstructure:"send_timeout" yaml:"send_timeout"`
	// ThrottleStore selects where throttle records live. The memory store
	// forgets them on restart.
	ThrottleStore string `mapstructure:"throttle_store" yaml:"throttle_store"`
}

// ChannelSettings configures one named channel.
//
// For email, URL is a shoutrrr smtp:// URL and Recipients are addresses.
// For shoutrrr, Recipients are service URLs (telegram://, slack://, ntfy://).
// For webhook, URL is the endpoint. For mqtt, Topic is the topic prefix.
type ChannelSettings struct {
	Type       string            `mapstructure:"type" yaml:"type"`
	URL        string            `mapstructure:"url" yaml:"url"`
	Recipients []string          `mapstructure:"recipients" yaml:"recipients"`
	Headers    map[string]string `mapstructure:"headers" yaml:"headers"`
	Topic      string            `mapstructure:"topic" yaml:"topic"`
}

// MQTTSettings configures the broker used for telemetry ingest and alert
// publishing.
type MQTTSettings struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker       string `mapstructure:"broker" yaml:"broker"`
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	Username     string `mapstructure:"username" yaml:"username"`
	Password     string `mapstructure:"password" yaml:"password"`
	ReadingTopic string `mapstructure:"reading_topic" yaml:"reading_topic"`
	AlertTopic   string `mapstructure:"alert_topic" yaml:"alert_topic"`
	QoS          byte   `mapstructure:"qos" yaml:"qos"`
}

// APISettings configures the HTTP server. BodyLimit takes sizes such as
// "64K" or "1MB". MaxConnections caps concurrent connections, stream clients
// included; zero means unlimited.
type APISettings struct {
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen         string `mapstructure:"listen" yaml:"listen"`
	BodyLimit      string `mapstructure:"body_limit" yaml:"body_limit"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type SentrySettings struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// HistorySettings controls retention of archived alerts and raw readings.
// A zero value disables the corresponding cleanup.
type HistorySettings struct {
	RetentionDays        int `mapstructure:"retention_days" yaml:"retention_days"`
	ReadingRetentionDays int `mapstructure:"reading_retention_days" yaml:"reading_retention_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.check_interval_seconds", 60)
	v.SetDefault("engine.disconnect_warning_minutes", 6)
	v.SetDefault("engine.disconnect_critical_minutes", 10)
	v.SetDefault("engine.notification_grace_period_seconds", 3600)
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.store_timeout", "5s")

	v.SetDefault("sensors.config_file", "sensors.json")
	v.SetDefault("sensors.hot_reload", true)

	v.SetDefault("database.type", DatabaseSQLite)
	v.SetDefault("database.sqlite.path", "hydrowatch.db")
	v.SetDefault("database.mysql.port", 3306)

	v.SetDefault("notification.max_sends_per_second", 5)
	v.SetDefault("notification.burst", 10)
	v.SetDefault("notification.send_timeout", "5s")
	v.SetDefault("notification.throttle_store", ThrottleStoreDatabase)

	v.SetDefault("mqtt.client_id", "hydrowatch")
	v.SetDefault("mqtt.reading_topic", "hydrowatch/sensors/+/readings")
	v.SetDefault("mqtt.alert_topic", "hydrowatch/alerts")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.body_limit", "64K")
	v.SetDefault("api.max_connections", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("history.retention_days", 90)
	v.SetDefault("history.reading_retention_days", 7)
}

// Load reads settings from path (or the default search paths when empty),
// applies environment overrides and validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hydrowatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/hydrowatch")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Newf("failed to read config: %w", err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	}

	return decode(v)
}

// Default returns settings populated with defaults only.
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	s, err := decode(v)
	if err != nil {
		// Defaults always validate; a failure here is a programming error.
		panic(err)
	}
	return s
}

func decode(v *viper.Viper) (*Settings, error) {
	settings := &Settings{}
	if err := v.Unmarshal(settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.Newf("failed to decode config: %w", err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	var problems []string

	e := s.Engine
	if e.CheckIntervalSeconds <= 0 {
		problems = append(problems, "engine.check_interval_seconds must be positive")
	}
	if e.DisconnectWarningMinutes <= 0 {
		problems = append(problems, "engine.disconnect_warning_minutes must be positive")
	}
	if e.DisconnectCriticalMinutes <= e.DisconnectWarningMinutes {
		problems = append(problems, "engine.disconnect_critical_minutes must be greater than disconnect_warning_minutes")
	}
	if e.NotificationGracePeriodSeconds < 0 {
		problems = append(problems, "engine.notification_grace_period_seconds must not be negative")
	}
	if e.Workers < 1 {
		problems = append(problems, "engine.workers must be at least 1")
	}
	if e.StoreTimeout.Std() <= 0 {
		problems = append(problems, "engine.store_timeout must be positive")
	}

	switch s.Database.Type {
	case DatabaseSQLite:
		if s.Database.SQLite.Path == "" {
			problems = append(problems, "database.sqlite.path is required")
		}
	case DatabaseMySQL:
		if s.Database.MySQL.Host == "" || s.Database.MySQL.Database == "" {
			problems = append(problems, "database.mysql.host and database.mysql.database are required")
		}
	default:
		problems = append(problems, fmt.Sprintf("database.type %q is not supported", s.Database.Type))
	}

	for name, ch := range s.Notification.Channels {
		if !slices.Contains(channelTypes, ch.Type) {
			problems = append(problems, fmt.Sprintf("notification.channels.%s: unknown type %q", name, ch.Type))
			continue
		}
		switch ch.Type {
		case ChannelTypeEmail:
			if ch.URL == "" || len(ch.Recipients) == 0 {
				problems = append(problems, fmt.Sprintf("notification.channels.%s: email requires url and recipients", name))
			}
		case ChannelTypeShoutrrr:
			if len(ch.Recipients) == 0 {
				problems = append(problems, fmt.Sprintf("notification.channels.%s: shoutrrr requires at least one recipient URL", name))
			}
		case ChannelTypeWebhook:
			if ch.URL == "" {
				problems = append(problems, fmt.Sprintf("notification.channels.%s: webhook requires url", name))
			}
		case ChannelTypeMQTT:
			if !s.MQTT.Enabled {
				problems = append(problems, fmt.Sprintf("notification.channels.%s: mqtt channel requires mqtt.enabled", name))
			}
		}
	}
	if s.Notification.ThrottleStore != ThrottleStoreDatabase && s.Notification.ThrottleStore != ThrottleStoreMemory {
		problems = append(problems, fmt.Sprintf("notification.throttle_store %q is not supported", s.Notification.ThrottleStore))
	}
	if s.Notification.MaxSendsPerSecond < 0 {
		problems = append(problems, "notification.max_sends_per_second must not be negative")
	}

	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}
	if n, err := bytes.Parse(s.API.BodyLimit); err != nil || n <= 0 {
		problems = append(problems, fmt.Sprintf("api.body_limit %q is not a valid size", s.API.BodyLimit))
	}
	if s.API.MaxConnections < 0 {
		problems = append(problems, "api.max_connections must not be negative")
	}
	if s.History.RetentionDays < 0 || s.History.ReadingRetentionDays < 0 {
		problems = append(problems, "history retention must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return errors.Newf("invalid settings: %s", strings.Join(problems, "; ")).
		Component("conf").
		Category(errors.CategoryValidation).
		Context("problems", len(problems)).
		Build()
}

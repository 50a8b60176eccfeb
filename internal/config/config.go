package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "meshspy_dashboard.cfg.json"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MESHSPY"

// ErrNotFound is returned by Load when no config file exists. Defaults and
// environment overrides still apply.
var ErrNotFound = errors.New("config file not found")

// ServerConfig holds the dashboard's own HTTP listener settings
type ServerConfig struct {
	Listen         string `json:"listen" mapstructure:"listen"`
	MetricsEnabled bool   `json:"metricsEnabled" mapstructure:"metricsEnabled"`
}

// APIConfig holds backend client settings
type APIConfig struct {
	BaseURL             string        `json:"baseUrl" mapstructure:"baseUrl"`
	NodesPath           string        `json:"nodesPath" mapstructure:"nodesPath"`
	RequestLocationPath string        `json:"requestLocationPath" mapstructure:"requestLocationPath"`
	LogsPath            string        `json:"logsPath" mapstructure:"logsPath"`
	Timeout             time.Duration `json:"timeout" mapstructure:"timeout"`
}

// PollConfig holds the poll loop settings
type PollConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// LogTailConfig holds the log tail settings
type LogTailConfig struct {
	Capacity int  `json:"capacity" mapstructure:"capacity"`
	Stream   bool `json:"stream" mapstructure:"stream"`
}

// ActionsConfig holds the interaction handler settings
type ActionsConfig struct {
	RequestPositionOnSelect bool          `json:"requestPositionOnSelect" mapstructure:"requestPositionOnSelect"`
	QueueSize               int           `json:"queueSize" mapstructure:"queueSize"`
	Timeout                 time.Duration `json:"timeout" mapstructure:"timeout"`
}

// PrefsConfig holds the preference store settings
type PrefsConfig struct {
	Driver   string `json:"driver" mapstructure:"driver"`
	Path     string `json:"path" mapstructure:"path"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// InfluxConfig holds the InfluxDB poll sink settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// GraylogConfig holds the GELF log sink settings
type GraylogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Address string `json:"address" mapstructure:"address"`
}

// OTelConfig holds the OpenTelemetry log export settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./meshspy-logs")
	viper.SetDefault("logToFile", false)

	viper.SetDefault("server.listen", "localhost:8080")
	viper.SetDefault("server.metricsEnabled", true)

	viper.SetDefault("api.baseUrl", "")
	viper.SetDefault("api.nodesPath", "/nodes")
	viper.SetDefault("api.requestLocationPath", "/request-location")
	viper.SetDefault("api.logsPath", "/ws/logs")
	viper.SetDefault("api.timeout", "10s")

	viper.SetDefault("poll.interval", "5s")

	viper.SetDefault("log.capacity", 50)
	viper.SetDefault("log.stream", true)

	viper.SetDefault("actions.requestPositionOnSelect", false)
	viper.SetDefault("actions.queueSize", 32)
	viper.SetDefault("actions.timeout", "10s")

	viper.SetDefault("prefs.driver", "sqlite")
	viper.SetDefault("prefs.path", "./meshspy_dashboard.db")
	viper.SetDefault("prefs.host", "localhost")
	viper.SetDefault("prefs.port", "5432")
	viper.SetDefault("prefs.username", "postgres")
	viper.SetDefault("prefs.password", "postgres")
	viper.SetDefault("prefs.database", "meshspy")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "meshspy")
	viper.SetDefault("influx.bucket", "meshspy_dashboard")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "meshspy-dashboard")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load sets default values, enables environment overrides and reads the JSON
// config file from configDir. A missing file yields an error wrapping
// ErrNotFound; the defaults stay usable.
func Load(configDir string) error {
	SetDefaults()

	if err := bindEnv(); err != nil {
		return fmt.Errorf("error binding environment: %v", err)
	}

	viper.SetConfigName(FileName)
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w in %s", ErrNotFound, configDir)
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// bindEnv binds MESHSPY_<SECTION>_<KEY> for every defaulted key. Keys are
// bound one by one instead of through AutomaticEnv: with AutomaticEnv a set
// MESHSPY_API shadows the whole api section and api.nodesPath reads empty.
func bindEnv() error {
	replacer := strings.NewReplacer(".", "_")
	for _, key := range viper.AllKeys() {
		name := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := viper.BindEnv(key, name); err != nil {
			return err
		}
	}
	// MESHSPY_API is the historical name of the backend address variable
	return viper.BindEnv("api.baseUrl", EnvPrefix+"_API_BASEURL", EnvPrefix+"_API")
}

// GetServerConfig returns the listener settings.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Listen:         viper.GetString("server.listen"),
		MetricsEnabled: viper.GetBool("server.metricsEnabled"),
	}
}

// GetAPIConfig returns the backend client settings with BaseURL resolved.
func GetAPIConfig() APIConfig {
	return APIConfig{
		BaseURL:             ResolveAPIBaseURL(viper.GetString("api.baseUrl"), viper.GetString("server.listen")),
		NodesPath:           viper.GetString("api.nodesPath"),
		RequestLocationPath: viper.GetString("api.requestLocationPath"),
		LogsPath:            viper.GetString("api.logsPath"),
		Timeout:             viper.GetDuration("api.timeout"),
	}
}

// GetPollConfig returns the poll loop settings.
func GetPollConfig() PollConfig {
	return PollConfig{Interval: viper.GetDuration("poll.interval")}
}

// GetLogTailConfig returns the log tail settings.
func GetLogTailConfig() LogTailConfig {
	return LogTailConfig{
		Capacity: viper.GetInt("log.capacity"),
		Stream:   viper.GetBool("log.stream"),
	}
}

// GetActionsConfig returns the interaction handler settings.
func GetActionsConfig() ActionsConfig {
	return ActionsConfig{
		RequestPositionOnSelect: viper.GetBool("actions.requestPositionOnSelect"),
		QueueSize:               viper.GetInt("actions.queueSize"),
		Timeout:                 viper.GetDuration("actions.timeout"),
	}
}

// GetPrefsConfig returns the preference store settings.
func GetPrefsConfig() PrefsConfig {
	return PrefsConfig{
		Driver:   viper.GetString("prefs.driver"),
		Path:     viper.GetString("prefs.path"),
		Host:     viper.GetString("prefs.host"),
		Port:     viper.GetString("prefs.port"),
		Username: viper.GetString("prefs.username"),
		Password: viper.GetString("prefs.password"),
		Database: viper.GetString("prefs.database"),
	}
}

// GetInfluxConfig returns the InfluxDB sink settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetGraylogConfig returns the GELF sink settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// ResolveAPIBaseURL returns baseURL when set, else the backend on port 8000 of
// the dashboard's own listen host.
func ResolveAPIBaseURL(baseURL, listen string) string {
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		return strings.TrimRight(baseURL, "/")
	}
	host := listen
	if h, _, err := net.SplitHostPort(listen); err == nil {
		host = h
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, "8000")
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

const (
	// EnvPrefix namespaces every environment variable read by Load.
	EnvPrefix = "AMPOS"
	// LicenseKeyEnv is consulted by ResolveLicenseKey before the config file.
	LicenseKeyEnv = "AMPOS_LICENSE_KEY"
	// ConfigFileEnv overrides the default config file location.
	ConfigFileEnv = "AMPOS_CONFIG"
	// DefaultConfigFile is read from the working directory when present.
	DefaultConfigFile = "ampos.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Client    ClientConfig    `yaml:"client" envconfig:"CLIENT"`
	Portal    PortalConfig    `yaml:"portal" envconfig:"PORTAL"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	SMTP      SMTPConfig      `yaml:"smtp" envconfig:"SMTP"`
	Sheets    SheetsConfig    `yaml:"sheets" envconfig:"SHEETS"`
}

// ClientConfig configures the license verification client embedded in a
// protected product.
type ClientConfig struct {
	// LicenseKey is only read from the file; the env override is handled by
	// ResolveLicenseKey.
	LicenseKey     string        `yaml:"license_key" ignored:"true"`
	PortalURL      string        `yaml:"portal_url" envconfig:"PORTAL_URL" default:"https://license.ampos.app"`
	BaseDir        string        `yaml:"base_dir" envconfig:"BASE_DIR" default:"."`
	ProtectedFiles []string      `yaml:"protected_files" envconfig:"PROTECTED_FILES" default:"ampos.yaml,web/index.html"`
	SelfPath       string        `yaml:"self_path" envconfig:"SELF_PATH"`
	CacheDir       string        `yaml:"cache_dir" envconfig:"CACHE_DIR"`
	Version        string        `yaml:"version" envconfig:"VERSION" default:"2.0.0"`
	Support        string        `yaml:"support" envconfig:"SUPPORT" default:"support@ampos.app"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT" default:"5s"`
	CheckInTimeout time.Duration `yaml:"check_in_timeout" envconfig:"CHECK_IN_TIMEOUT" default:"10s"`
	ReportTimeout  time.Duration `yaml:"report_timeout" envconfig:"REPORT_TIMEOUT" default:"5s"`
	RefreshAfter   time.Duration `yaml:"refresh_after" envconfig:"REFRESH_AFTER" default:"24h"`
	GracePeriod    time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD" default:"168h"`
	// GraceOnRejection lets a recent cache absorb an explicit portal
	// rejection that is not a checksum mismatch.
	GraceOnRejection bool     `yaml:"grace_on_rejection" envconfig:"GRACE_ON_REJECTION" default:"true"`
	PinnedKeys       []string `yaml:"pinned_keys" envconfig:"PINNED_KEYS"`
}

// PortalConfig contains the licensing portal HTTP server configuration
type PortalConfig struct {
	Port             int             `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout      time.Duration   `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout     time.Duration   `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout      time.Duration   `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	DBPath           string          `yaml:"db_path" envconfig:"DB_PATH" default:"data/portal.db"`
	AdminEmail       string          `yaml:"admin_email" envconfig:"ADMIN_EMAIL" default:"admin@ampos.app"`
	SupportEmail     string          `yaml:"support_email" envconfig:"SUPPORT_EMAIL" default:"support@ampos.app"`
	JWTSecret        string          `yaml:"jwt_secret" envconfig:"JWT_SECRET"`
	KeyPrefix        string          `yaml:"key_prefix" envconfig:"KEY_PREFIX" default:"AMPOS"`
	RequireSignature bool            `yaml:"require_signature" envconfig:"REQUIRE_SIGNATURE" default:"false"`
	AllowedOrigins   []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"*"`
	RateLimit        RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"10"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"20"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/ampos.log"`
}

// TelemetryConfig controls OpenTelemetry setup
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT" default:"development"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" default:"1.0"`
}

// SMTPConfig holds outgoing mail settings. An empty Host disables e-mail.
type SMTPConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT" default:"587"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	From     string `yaml:"from" envconfig:"FROM" default:"security@ampos.app"`
	UseTLS   bool   `yaml:"use_tls" envconfig:"USE_TLS" default:"false"`
}

// SheetsConfig configures the optional Google Sheets incident mirror
type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	Range           string `yaml:"range" envconfig:"RANGE" default:"Incidents!A:I"`
}

// Load loads configuration from the default file location and environment.
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom loads configuration from path (if it exists) and environment
// variables. Precedence is env, then file, then defaults.
func LoadFrom(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fileConfig, err := loadFromFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from file: %w", err)
			}
			mergeConfigs(reflect.ValueOf(fileConfig).Elem(), reflect.ValueOf(&cfg).Elem(), EnvPrefix)
			cfg.Client.LicenseKey = fileConfig.Client.LicenseKey
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration built from defaults and environment only.
func Default() *Config {
	var cfg Config
	_ = envconfig.Process(EnvPrefix, &cfg)
	return &cfg
}

// ResolveLicenseKey applies the license key precedence: explicit value, then
// the AMPOS_LICENSE_KEY environment variable, then the config file.
func (c *Config) ResolveLicenseKey(explicit string) string {
	if k := strings.TrimSpace(explicit); k != "" {
		return k
	}
	if k := strings.TrimSpace(os.Getenv(LicenseKeyEnv)); k != "" {
		return k
	}
	return strings.TrimSpace(c.Client.LicenseKey)
}

func getConfigFilePath() string {
	if p := os.Getenv(ConfigFileEnv); p != "" {
		return p
	}
	return DefaultConfigFile
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeConfigs copies non-zero file values into dst unless the matching
// environment variable was set explicitly.
func mergeConfigs(file, dst reflect.Value, prefix string) {
	t := dst.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("ignored") == "true" {
			continue
		}
		name := prefix + "_" + field.Tag.Get("envconfig")
		fv, dv := file.Field(i), dst.Field(i)

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			mergeConfigs(fv, dv, name)
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if !fv.IsZero() {
			dv.Set(fv)
		}
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	cl := c.Client
	if cl.ConnectTimeout <= 0 || cl.CheckInTimeout <= 0 || cl.ReportTimeout <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if cl.RefreshAfter <= 0 {
		return fmt.Errorf("client refresh interval must be positive")
	}
	if cl.GracePeriod < cl.RefreshAfter {
		return fmt.Errorf("grace period %s shorter than refresh interval %s", cl.GracePeriod, cl.RefreshAfter)
	}
	u, err := url.Parse(cl.PortalURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid portal url: %q", cl.PortalURL)
	}

	if c.Portal.Port <= 0 || c.Portal.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Portal.Port)
	}
	if c.Portal.ReadTimeout <= 0 || c.Portal.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Portal.KeyPrefix == "" {
		return fmt.Errorf("license key prefix must not be empty")
	}

	switch strings.ToLower(c.Logging.Output) {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid logging output: %q", c.Logging.Output)
	}
	if c.Sheets.Enabled && c.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sheets mirror enabled without spreadsheet id")
	}
	return nil
}

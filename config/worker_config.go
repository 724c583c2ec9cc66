package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"rule_worker/pkg/apperr"

	"github.com/BurntSushi/toml"
)

// Run modes.
const (
	ModeFetch = "fetch"
	ModeApply = "apply"
	ModeAll   = "all"
)

// Mail providers.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// Token stores.
const (
	TokenStoreFile    = "file"
	TokenStoreKeyring = "keyring"
)

// Database dialects.
const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"
)

type Config struct {
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
	LogConsole  bool   `toml:"log_console"`

	// Mail provider
	MailProvider    string `toml:"mail_provider"`
	FetchMaxResults int    `toml:"fetch_max_results"`
	FetchQuery      string `toml:"fetch_query"`

	// Gmail
	GoogleCredentialsFile string `toml:"google_credentials_file"`
	GoogleTokenFile       string `toml:"google_token_file"`
	GmailUserID           string `toml:"gmail_user_id"`
	OAuthListenAddr       string `toml:"oauth_listen_addr"`

	// Secret storage for OAuth tokens and IMAP passwords
	TokenStore     string `toml:"token_store"`
	KeyringService string `toml:"keyring_service"`

	// IMAP
	IMAPHost     string `toml:"imap_host"`
	IMAPPort     int    `toml:"imap_port"`
	IMAPUsername string `toml:"imap_username"`
	IMAPPassword string `toml:"imap_password"`
	IMAPTLS      bool   `toml:"imap_tls"`
	IMAPMailbox  string `toml:"imap_mailbox"`

	// Database
	DBDriver    string `toml:"db_driver"`
	DatabaseURL string `toml:"database_url"`
	DBHost      string `toml:"db_host"`
	DBPort      int    `toml:"db_port"`
	DBName      string `toml:"db_name"`
	DBUser      string `toml:"db_user"`
	DBPassword  string `toml:"db_password"`
	SQLitePath  string `toml:"sqlite_path"`

	// Rules and outputs
	RulesPath       string `toml:"rules_path"`
	ReportPath      string `toml:"report_path"`
	MetricsTextfile string `toml:"metrics_textfile"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Environment:     "development",
		LogLevel:        "info",
		MailProvider:    ProviderGmail,
		FetchMaxResults: 10,
		GoogleTokenFile: "token.json",
		GmailUserID:     "me",
		OAuthListenAddr: "127.0.0.1:0",
		TokenStore:      TokenStoreFile,
		KeyringService:  "rule-worker",
		IMAPPort:        993,
		IMAPTLS:         true,
		IMAPMailbox:     "INBOX",
		DBDriver:        DBDriverPostgres,
		DBPort:          5432,
		RulesPath:       "./rules/email_rule.json",
	}
}

// Load builds the configuration from defaults, an optional TOML file and the
// environment, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeConfigError, fmt.Sprintf("read config file %s", path))
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENV", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogConsole = getEnvBool("LOG_CONSOLE", c.LogConsole)

	c.MailProvider = strings.ToLower(getEnv("MAIL_PROVIDER", c.MailProvider))
	c.FetchMaxResults = getEnvInt("FETCH_MAX_RESULTS", c.FetchMaxResults)
	c.FetchQuery = getEnv("FETCH_QUERY", c.FetchQuery)

	c.GoogleCredentialsFile = getEnv("GOOGLE_CREDENTIALS_FILE_LOCATION", c.GoogleCredentialsFile)
	c.GoogleTokenFile = getEnv("GOOGLE_TOKEN_FILE", c.GoogleTokenFile)
	c.GmailUserID = getEnv("GMAIL_USER_ID", c.GmailUserID)
	c.OAuthListenAddr = getEnv("OAUTH_LISTEN_ADDR", c.OAuthListenAddr)

	c.TokenStore = strings.ToLower(getEnv("TOKEN_STORE", c.TokenStore))
	c.KeyringService = getEnv("KEYRING_SERVICE", c.KeyringService)

	c.IMAPHost = getEnv("IMAP_HOST", c.IMAPHost)
	c.IMAPPort = getEnvInt("IMAP_PORT", c.IMAPPort)
	c.IMAPUsername = getEnv("IMAP_USERNAME", c.IMAPUsername)
	c.IMAPPassword = getEnv("IMAP_PASSWORD", c.IMAPPassword)
	c.IMAPTLS = getEnvBool("IMAP_TLS", c.IMAPTLS)
	c.IMAPMailbox = getEnv("IMAP_MAILBOX", c.IMAPMailbox)

	c.DBDriver = strings.ToLower(getEnv("DB_DRIVER", c.DBDriver))
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnvInt("DB_PORT", c.DBPort)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnv("DB_PASSWORD", c.DBPassword)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.RulesPath = getEnv("RULES_PATH", c.RulesPath)
	c.ReportPath = getEnv("REPORT_PATH", c.ReportPath)
	c.MetricsTextfile = getEnv("METRICS_TEXTFILE", c.MetricsTextfile)
}

// PostgresURL returns DATABASE_URL, or a URL composed from the DB_* parts.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DBHost == "" {
		return ""
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	if c.DBUser != "" {
		if c.DBPassword != "" {
			u.User = url.UserPassword(c.DBUser, c.DBPassword)
		} else {
			u.User = url.User(c.DBUser)
		}
	}
	return u.String()
}

// Validate reports missing settings for mode as configuration errors.
func (c *Config) Validate(mode string) error {
	switch mode {
	case ModeFetch, ModeApply, ModeAll:
	default:
		return apperr.ConfigError(fmt.Sprintf("unknown mode %q", mode))
	}

	switch c.DBDriver {
	case DBDriverPostgres:
		if c.PostgresURL() == "" {
			return apperr.Wrap(apperr.MissingField("DATABASE_URL or DB_HOST"), apperr.CodeConfigError,
				"database connection is not configured")
		}
	case DBDriverSQLite:
		if c.SQLitePath == "" {
			return apperr.Wrap(apperr.MissingField("SQLITE_PATH"), apperr.CodeConfigError,
				"sqlite path is not configured")
		}
	default:
		return apperr.ConfigError(fmt.Sprintf("unsupported db driver %q", c.DBDriver))
	}

	switch c.TokenStore {
	case TokenStoreFile, TokenStoreKeyring:
	default:
		return apperr.ConfigError(fmt.Sprintf("unsupported token store %q", c.TokenStore))
	}

	switch c.MailProvider {
	case ProviderGmail:
		if c.GoogleCredentialsFile == "" {
			return apperr.Wrap(apperr.MissingField("GOOGLE_CREDENTIALS_FILE_LOCATION"), apperr.CodeConfigError,
				"google credentials file is not configured")
		}
	case ProviderIMAP:
		if c.IMAPHost == "" {
			return apperr.Wrap(apperr.MissingField("IMAP_HOST"), apperr.CodeConfigError, "imap host is not configured")
		}
		if c.IMAPUsername == "" {
			return apperr.Wrap(apperr.MissingField("IMAP_USERNAME"), apperr.CodeConfigError, "imap user is not configured")
		}
	default:
		return apperr.ConfigError(fmt.Sprintf("unsupported mail provider %q", c.MailProvider))
	}

	if mode != ModeFetch && c.RulesPath == "" {
		return apperr.Wrap(apperr.MissingField("RULES_PATH"), apperr.CodeConfigError, "rule document path is not configured")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

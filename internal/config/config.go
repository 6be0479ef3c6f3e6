package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Backend API
	APIBaseURL  string
	HTTPTimeout time.Duration

	// Client storage
	StorageBackend string
	SQLiteDBPath   string

	// AMQP session bus; empty URL means in-process only
	AMQPURL      string
	AMQPExchange string

	// Hook server
	HookPort          string
	AppBaseURL        string
	DashboardPath     string
	SecureCookies     bool
	HookRateLimit     int
	ResendAPIKey      string
	ResendAPIURL      string
	EmailFrom         string
	SessionRefetchTTL time.Duration

	// Money
	DefaultCurrency string
	RatesFile       string

	// Google Sheets export
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	// OAuth user credentials, an alternative to the service account
	GoogleOAuthClientJSON string
	GoogleOAuthClientFile string
	GoogleOAuthTokenFile  string
	OAuthRedirectPort     string

	LogLevel string
	CacheTTL time.Duration
}

func Load() *Config {
	return &Config{
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:3000"),
		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 15*time.Second),

		StorageBackend: getEnv("STORAGE_BACKEND", "sqlite"),
		SQLiteDBPath:   getEnv("SQLITE_DB_PATH", "./data/finances.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "finances.session"),

		HookPort:          getEnv("HOOK_PORT", "8081"),
		AppBaseURL:        getEnv("APP_BASE_URL", "http://localhost:5173"),
		DashboardPath:     getEnv("DASHBOARD_PATH", "/dashboard"),
		SecureCookies:     getEnvBool("SECURE_COOKIES", false),
		HookRateLimit:     getEnvInt("HOOK_RATE_LIMIT", 60),
		ResendAPIKey:      getEnv("RESEND_API_KEY", ""),
		ResendAPIURL:      getEnv("RESEND_API_URL", "https://api.resend.com/emails"),
		EmailFrom:         getEnv("EMAIL_FROM", "Personal Finance Tracker <noreply@personal-finances.app>"),
		SessionRefetchTTL: getEnvDuration("SESSION_REFETCH_TIMEOUT", 15*time.Second),

		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "EUR"),
		RatesFile:       getEnv("RATES_FILE", ""),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Transactions"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		GoogleOAuthClientJSON:    getEnv("GOOGLE_OAUTH_CLIENT_JSON", ""),
		GoogleOAuthClientFile:    getEnv("GOOGLE_OAUTH_CLIENT_FILE", ""),
		GoogleOAuthTokenFile:     getEnv("GOOGLE_OAUTH_TOKEN_FILE", ""),
		OAuthRedirectPort:        getEnv("OAUTH_REDIRECT_PORT", "8085"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	errors = append(errors, validateHTTPURL("API base URL", c.APIBaseURL)...)

	if c.HTTPTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid HTTP timeout %v: must be positive", c.HTTPTimeout))
	}

	// Validate storage backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.StorageBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid storage backend '%s': must be one of %v", c.StorageBackend, validBackends))
	}

	if c.StorageBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if len(strings.TrimSpace(c.DefaultCurrency)) != 3 {
		errors = append(errors, fmt.Sprintf("invalid default currency '%s': must be a 3-letter code", c.DefaultCurrency))
	}
	if c.RatesFile != "" {
		if _, err := os.Stat(c.RatesFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("rates file does not exist: %s", c.RatesFile))
		}
	}
	if c.GoogleServiceAccountFile != "" {
		if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
		}
	}
	if c.GoogleOAuthClientFile != "" {
		if _, err := os.Stat(c.GoogleOAuthClientFile); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("Google OAuth client file does not exist: %s", c.GoogleOAuthClientFile))
		}
	}

	if c.CacheTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must be positive", c.CacheTTL))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// ValidateHook adds the checks only the hook server needs.
func (c *Config) ValidateHook() error {
	var errors []string

	if port, err := strconv.Atoi(c.HookPort); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.HookPort))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}
	errors = append(errors, validateHTTPURL("app base URL", c.AppBaseURL)...)
	errors = append(errors, validateHTTPURL("Resend API URL", c.ResendAPIURL)...)
	if !strings.HasPrefix(c.DashboardPath, "/") {
		errors = append(errors, fmt.Sprintf("invalid dashboard path '%s': must start with '/'", c.DashboardPath))
	}
	if c.ResendAPIKey == "" {
		errors = append(errors, "RESEND_API_KEY is required for the email hook")
	}
	if c.HookRateLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid hook rate limit %d: must be at least 1", c.HookRateLimit))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// SheetsConfigured reports whether a spreadsheet export destination is set.
func (c *Config) SheetsConfigured() bool {
	if c.GoogleSpreadsheetID == "" {
		return false
	}
	return c.GoogleServiceAccountJSON != "" || c.GoogleServiceAccountFile != "" ||
		(c.OAuthClientConfigured() && c.GoogleOAuthTokenFile != "")
}

// OAuthClientConfigured reports whether Google OAuth client credentials are
// set, which is enough to run the consent flow.
func (c *Config) OAuthClientConfigured() bool {
	return c.GoogleOAuthClientJSON != "" || c.GoogleOAuthClientFile != ""
}

// DashboardURL is where the confirmation route sends the browser.
func (c *Config) DashboardURL() string {
	return strings.TrimRight(c.AppBaseURL, "/") + c.DashboardPath
}

// LoginURL is linked from the confirmation error page.
func (c *Config) LoginURL() string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/login"
}

func validateHTTPURL(name, raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return []string{fmt.Sprintf("invalid %s '%s': %v", name, raw, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return []string{fmt.Sprintf("invalid %s scheme '%s': must be 'http' or 'https'", name, u.Scheme)}
	}
	if u.Host == "" {
		return []string{fmt.Sprintf("invalid %s '%s': missing host", name, raw)}
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
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

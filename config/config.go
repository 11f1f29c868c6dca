package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pilab-dev/shadow-aaa/internal/federation"
	"github.com/pilab-dev/shadow-aaa/services"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling; nested keys map to
// environment variables with "." replaced by "_", e.g. LDAP_BIND_DN.
type ServerConfig struct {
	HTTPPort        string `mapstructure:"HTTP_PORT"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogPretty       bool   `mapstructure:"LOG_PRETTY"`
	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// AccountBackend is memory or mongo; StoreBackend (sessions, tokens,
	// locks, sync checkpoints) is memory or redis.
	AccountBackend string `mapstructure:"ACCOUNT_BACKEND"`
	StoreBackend   string `mapstructure:"STORE_BACKEND"`

	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	RedisPrefix   string `mapstructure:"REDIS_PREFIX"`

	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	SessionCookie    string        `mapstructure:"SESSION_COOKIE"`
	SecureCookies    bool          `mapstructure:"SECURE_COOKIES"`
	ConfirmationTTL  time.Duration `mapstructure:"CONFIRMATION_TTL"`
	PasswordResetTTL time.Duration `mapstructure:"PASSWORD_RESET_TTL"`
	ChangeEmailTTL   time.Duration `mapstructure:"CHANGE_EMAIL_TTL"`

	// Frontend pages mailed links and OAuth2 redirects point to.
	ConfirmURL     string `mapstructure:"CONFIRM_URL"`
	ResetURL       string `mapstructure:"RESET_URL"`
	ChangeEmailURL string `mapstructure:"CHANGE_EMAIL_URL"`
	LoginRedirect  string `mapstructure:"LOGIN_REDIRECT"`
	ErrorRedirect  string `mapstructure:"ERROR_REDIRECT"`

	ConflictStrategy string `mapstructure:"CONFLICT_STRATEGY"`
	AllowUnbind      bool   `mapstructure:"ALLOW_UNBIND"`
	LoginExtraChars  string `mapstructure:"LOGIN_EXTRA_CHARS"`
	BcryptCost       int    `mapstructure:"BCRYPT_COST"`

	SMTPAddr     string `mapstructure:"SMTP_ADDR"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	Facebook  federation.ProviderConfig `mapstructure:"FACEBOOK"`
	Vkontakte federation.ProviderConfig `mapstructure:"VKONTAKTE"`
	Google    federation.ProviderConfig `mapstructure:"GOOGLE"`
	Keycloak  federation.ProviderConfig `mapstructure:"KEYCLOAK"`
	// KeycloakAdminGroup marks directory users that get the admin role.
	KeycloakAdminGroup string `mapstructure:"KEYCLOAK_ADMIN_GROUP"`
	// KeycloakDirectory enables periodic sync of the Keycloak realm.
	KeycloakDirectory bool `mapstructure:"KEYCLOAK_DIRECTORY"`

	LDAP federation.LDAPConfig `mapstructure:"LDAP"`

	Sync SyncConfig `mapstructure:"SYNC"`

	OnlineSweepInterval time.Duration `mapstructure:"ONLINE_SWEEP_INTERVAL"`
	OnlineSweepPage     int           `mapstructure:"ONLINE_SWEEP_PAGE"`
}

type SyncConfig struct {
	LDAPInterval     time.Duration `mapstructure:"ldap_interval"`
	KeycloakInterval time.Duration `mapstructure:"keycloak_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"batch_timeout"`
	Removal          string        `mapstructure:"removal"`
}

// nested lists the keys of struct-valued sections. Viper only applies
// AutomaticEnv to keys it knows, so each one is bound explicitly.
var nested = map[string][]string{
	"facebook":  providerKeys,
	"vkontakte": providerKeys,
	"google":    providerKeys,
	"keycloak":  providerKeys,
	"ldap": {
		"url", "start_tls", "skip_tls_verify", "bind_dn", "bind_password", "base_dn",
		"user_filter", "sync_filter", "admin_group", "timeout",
		"attributes.id", "attributes.login", "attributes.email", "attributes.avatar", "attributes.groups",
	},
	"sync": {"ldap_interval", "keycloak_interval", "batch_size", "batch_timeout", "removal"},
}

var providerKeys = []string{
	"client_id", "client_secret", "redirect_url", "scopes", "base_url", "realm",
	"auth_url", "token_url", "userinfo_url", "tokeninfo_url", "audiences", "timeout",
}

// LoadConfig reads configuration from file, environment variables, and
// defaults. An empty configFile searches the default locations.
func LoadConfig(configFile string) (*ServerConfig, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/shadow-aaa/")
		v.AddConfigPath("$HOME/.shadow-aaa")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for section, keys := range nested {
		for _, key := range keys {
			if err := v.BindEnv(section + "." + key); err != nil {
				return nil, fmt.Errorf("bind env for %s.%s: %w", section, key, err)
			}
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	flows := services.DefaultFlowConfig()

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "shadow-aaa-server")

	v.SetDefault("ACCOUNT_BACKEND", BackendMemory)
	v.SetDefault("STORE_BACKEND", BackendMemory)
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB_NAME", "shadow_aaa")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "aaa")

	v.SetDefault("SESSION_TTL", 30*24*time.Hour)
	v.SetDefault("SESSION_COOKIE", "SESSION")
	v.SetDefault("SECURE_COOKIES", false)
	v.SetDefault("CONFIRMATION_TTL", flows.ConfirmationTTL)
	v.SetDefault("PASSWORD_RESET_TTL", flows.PasswordResetTTL)
	v.SetDefault("CHANGE_EMAIL_TTL", flows.ChangeEmailTTL)

	v.SetDefault("CONFIRM_URL", "http://localhost:3000/confirm")
	v.SetDefault("RESET_URL", "http://localhost:3000/password/new")
	v.SetDefault("CHANGE_EMAIL_URL", "http://localhost:3000/email/confirm")
	v.SetDefault("LOGIN_REDIRECT", "http://localhost:3000/")
	v.SetDefault("ERROR_REDIRECT", "http://localhost:3000/login")

	v.SetDefault("CONFLICT_STRATEGY", string(services.MergeToPasswordAccountByEmail))
	v.SetDefault("ALLOW_UNBIND", true)
	v.SetDefault("LOGIN_EXTRA_CHARS", services.DefaultLoginPolicy().ExtraChars)
	v.SetDefault("BCRYPT_COST", 10)

	v.SetDefault("SYNC.ldap_interval", 10*time.Minute)
	v.SetDefault("SYNC.keycloak_interval", 10*time.Minute)
	v.SetDefault("SYNC.batch_size", 100)
	v.SetDefault("SYNC.batch_timeout", 2*time.Minute)
	v.SetDefault("SYNC.removal", string(services.RemovalLock))

	v.SetDefault("ONLINE_SWEEP_INTERVAL", time.Minute)
	v.SetDefault("ONLINE_SWEEP_PAGE", 500)
}

// Validate rejects values the services would refuse at startup.
func (c *ServerConfig) Validate() error {
	switch c.AccountBackend {
	case BackendMemory, BackendMongo:
	default:
		return fmt.Errorf("ACCOUNT_BACKEND must be %s or %s, got %q", BackendMemory, BackendMongo, c.AccountBackend)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be %s or %s, got %q", BackendMemory, BackendRedis, c.StoreBackend)
	}
	if _, err := services.ParseConflictStrategy(c.ConflictStrategy); err != nil {
		return fmt.Errorf("CONFLICT_STRATEGY: %w", err)
	}
	if _, err := services.ParseRemovalPolicy(c.Sync.Removal); err != nil {
		return fmt.Errorf("SYNC_REMOVAL: %w", err)
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if c.Sync.LDAPInterval <= 0 || c.Sync.KeycloakInterval <= 0 || c.OnlineSweepInterval <= 0 {
		return errors.New("job intervals must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("SYNC_BATCH_SIZE must be positive")
	}
	return nil
}

// FlowConfig returns the token lifetimes and frontend links.
func (c *ServerConfig) FlowConfig() services.FlowConfig {
	return services.FlowConfig{
		ConfirmationTTL:  c.ConfirmationTTL,
		PasswordResetTTL: c.PasswordResetTTL,
		ChangeEmailTTL:   c.ChangeEmailTTL,
		ConfirmURL:       c.ConfirmURL,
		ResetURL:         c.ResetURL,
		ChangeEmailURL:   c.ChangeEmailURL,
	}
}

// LoginPolicy returns the default policy with the configured extra characters.
func (c *ServerConfig) LoginPolicy() services.LoginPolicy {
	policy := services.DefaultLoginPolicy()
	policy.ExtraChars = c.LoginExtraChars
	return policy
}

// LDAPEnabled reports whether a directory is configured.
func (c *ServerConfig) LDAPEnabled() bool {
	return c.LDAP.URL != ""
}

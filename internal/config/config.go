package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Insecure defaults that must never survive into production.
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"whsec_test":                           true,
	"":                                     true,
}

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Stripe         StripeConfig
	Docker         DockerConfig
	Proxy          ProxyConfig
	Provisioner    ProvisionerConfig
	InternalSecret string
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	Schema   string
	SSLMode  string
}

type JWTConfig struct {
	SecretKey string
}

type StripeConfig struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
}

type DockerConfig struct {
	SocketPath string
	APIVersion string
	Image      string
	Network    string
	DataRoot   string
	Timeout    time.Duration
}

type ProxyConfig struct {
	ConfigDir     string
	NginxBin      string
	ReloadRetries int
	ReloadBackoff time.Duration
}

type ProvisionerConfig struct {
	BaseDomain          string
	PortRangeStart      int
	PortRangeEnd        int
	HealthPollInterval  time.Duration
	HealthPollMaxWait   time.Duration
	ReconcileInterval   time.Duration
	HealthCheckInterval time.Duration
	UnhealthyAlertAfter time.Duration
	CleanupRetention    time.Duration
}

func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8006"),
			Mode: getEnv("GIN_MODE", "release"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "provisioner_user"),
			Password: getEnv("DB_PASSWORD", "provisioner_pass"),
			DBName:   getEnv("DB_NAME", "provisioner_db"),
			Schema:   getEnv("DB_SCHEMA", "provisioner"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			SecretKey: getEnv("JWT_SECRET_KEY", ""),
		},
		Stripe: StripeConfig{
			WebhookSecret:      getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SignatureTolerance: getEnvDuration("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Docker: DockerConfig{
			SocketPath: getEnv("DOCKER_SOCKET", "/var/run/docker.sock"),
			APIVersion: getEnv("DOCKER_API_VERSION", "v1.43"),
			Image:      getEnv("HOSTED_IMAGE", "djangify/ebuilder:latest"),
			Network:    getEnv("CONTAINER_NETWORK", "ebuilder-network"),
			DataRoot:   getEnv("INSTANCE_DATA_ROOT", "/var/lib/ebuilder/instances"),
			Timeout:    getEnvDuration("DOCKER_TIMEOUT", 60*time.Second),
		},
		Proxy: ProxyConfig{
			ConfigDir:     getEnv("NGINX_CONFIG_DIR", "/etc/nginx/sites-enabled"),
			NginxBin:      getEnv("NGINX_BIN", "nginx"),
			ReloadRetries: getEnvInt("NGINX_RELOAD_RETRIES", 3),
			ReloadBackoff: getEnvDuration("NGINX_RELOAD_BACKOFF", 2*time.Second),
		},
		Provisioner: ProvisionerConfig{
			BaseDomain:          getEnv("BASE_DOMAIN", "ebuilder.host"),
			PortRangeStart:      getEnvInt("PORT_RANGE_START", 8100),
			PortRangeEnd:        getEnvInt("PORT_RANGE_END", 8999),
			HealthPollInterval:  getEnvDuration("HEALTH_POLL_INTERVAL", 5*time.Second),
			HealthPollMaxWait:   getEnvDuration("HEALTH_POLL_MAX_WAIT", 5*time.Minute),
			ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 2*time.Minute),
			HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 1*time.Minute),
			UnhealthyAlertAfter: getEnvDuration("UNHEALTHY_ALERT_AFTER", 5*time.Minute),
			CleanupRetention:    getEnvDuration("CLEANUP_RETENTION", 30*24*time.Hour),
		},
		InternalSecret: getEnv("INTERNAL_SECRET", ""),
	}

	// Secrets are deliberately left off this line.
	log.Printf("[config] Provisioner loaded: port=%s db=%s/%s.%s domain=%s ports=%d-%d",
		cfg.Server.Port, cfg.Database.Host, cfg.Database.DBName, cfg.Database.Schema,
		cfg.Provisioner.BaseDomain, cfg.Provisioner.PortRangeStart, cfg.Provisioner.PortRangeEnd)

	return cfg
}

// Validate checks that the configuration is usable in production.
func (c *Config) Validate() error {
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if insecureDefaults[c.Stripe.WebhookSecret] {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET must be set")
	}

	if c.Provisioner.PortRangeStart <= 0 || c.Provisioner.PortRangeEnd < c.Provisioner.PortRangeStart {
		return fmt.Errorf("invalid port range %d-%d", c.Provisioner.PortRangeStart, c.Provisioner.PortRangeEnd)
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return "postgres://" + c.User + ":" + c.Password + "@" + c.Host + ":" + c.Port + "/" + c.DBName + "?sslmode=" + c.SSLMode
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

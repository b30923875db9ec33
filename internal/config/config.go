package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the boltshell server.
type Config struct {
	Port     int    `yaml:"port"`
	APIKey   string `yaml:"api_key"`
	LogLevel string `yaml:"log_level"`

	// Workspace
	WorkspaceID  string `yaml:"workspace_id"`
	WorkspaceDir string `yaml:"workspace_dir"` // root of the files the shells and the model edit
	DataDir      string `yaml:"data_dir"`      // local data directory for the SQLite journal
	WatchFiles   bool   `yaml:"watch_files"`

	// Shell sessions
	ShellPath      string        `yaml:"shell_path"`
	MaxSessions    int           `yaml:"max_sessions"`
	CommandTimeout time.Duration `yaml:"command_timeout"` // budget of each extracted command
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // idle non-primary sessions are closed after this
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// Auth
	JWTSecret string        `yaml:"jwt_secret"` // shared secret for attach tokens
	TokenTTL  time.Duration `yaml:"token_ttl"`
	RedisURL  string        `yaml:"redis_url"` // token revocation store; optional

	// Event sync
	NATSURL     string `yaml:"nats_url"` // optional
	NodeID      string `yaml:"node_id"`
	DatabaseURL string `yaml:"database_url"` // PostgreSQL history; optional

	// S3-compatible object storage for workspace snapshots
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
	S3ForcePathStyle  bool   `yaml:"s3_force_path_style"` // true for R2/MinIO
	// AutosaveInterval snapshots the workspace periodically when it changed.
	// 0 disables autosave.
	AutosaveInterval time.Duration `yaml:"autosave_interval"`

	// Completion endpoint (OpenAI-compatible)
	AIBaseURL    string `yaml:"ai_base_url"`
	AIAPIKey     string `yaml:"ai_api_key"`
	AIModel      string `yaml:"ai_model"`
	AIMaxRetries int    `yaml:"ai_max_retries"`

	// gRPC health endpoint; 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	// AWS Secrets Manager. If set, secrets are fetched at startup using IAM
	// credentials. The secret is a JSON object keyed by env var name (e.g.
	// BOLTSHELL_JWT_SECRET). Env vars take precedence over secret values.
	SecretsARN string `yaml:"secrets_arn"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:           8080,
		LogLevel:       "info",
		WorkspaceID:    "default",
		WorkspaceDir:   "./workspace",
		DataDir:        "./data",
		WatchFiles:     true,
		ShellPath:      "/bin/bash",
		MaxSessions:    3,
		CommandTimeout: 15 * time.Second,
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  time.Minute,
		TokenTTL:       5 * time.Minute,
		NodeID:         "node-local-1",
		AIBaseURL:      "https://api.openai.com/v1",
		AIModel:        "gpt-4o",
		AIMaxRetries:   3,
	}
}

// Load builds the configuration in layers: built-in defaults, then the YAML
// file named by BOLTSHELL_CONFIG, then environment variables. If
// BOLTSHELL_SECRETS_ARN (or secrets_arn in the file) is set, secrets are
// fetched from AWS Secrets Manager into the environment first.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("BOLTSHELL_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	arn := envOrDefault("BOLTSHELL_SECRETS_ARN", cfg.SecretsARN)
	if arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
		cfg.SecretsARN = arn
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.APIKey = envOrDefault("BOLTSHELL_API_KEY", cfg.APIKey)
	cfg.LogLevel = envOrDefault("BOLTSHELL_LOG_LEVEL", cfg.LogLevel)

	cfg.WorkspaceID = envOrDefault("BOLTSHELL_WORKSPACE_ID", cfg.WorkspaceID)
	cfg.WorkspaceDir = envOrDefault("BOLTSHELL_WORKSPACE_DIR", cfg.WorkspaceDir)
	cfg.DataDir = envOrDefault("BOLTSHELL_DATA_DIR", cfg.DataDir)
	cfg.WatchFiles = envOrDefaultBool("BOLTSHELL_WATCH_FILES", cfg.WatchFiles)

	cfg.ShellPath = envOrDefault("BOLTSHELL_SHELL", cfg.ShellPath)
	cfg.MaxSessions = envOrDefaultInt("BOLTSHELL_MAX_SESSIONS", cfg.MaxSessions)
	cfg.IdleTimeout = envOrDefaultDuration("BOLTSHELL_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.SweepInterval = envOrDefaultDuration("BOLTSHELL_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.CommandTimeout = envOrDefaultDuration("BOLTSHELL_COMMAND_TIMEOUT", cfg.CommandTimeout)

	cfg.JWTSecret = envOrDefault("BOLTSHELL_JWT_SECRET", cfg.JWTSecret)
	cfg.TokenTTL = envOrDefaultDuration("BOLTSHELL_TOKEN_TTL", cfg.TokenTTL)
	cfg.RedisURL = envOrDefault("BOLTSHELL_REDIS_URL", cfg.RedisURL)

	cfg.NATSURL = envOrDefault("BOLTSHELL_NATS_URL", cfg.NATSURL)
	cfg.NodeID = envOrDefault("BOLTSHELL_NODE_ID", cfg.NodeID)
	cfg.DatabaseURL = envOrDefault("BOLTSHELL_DATABASE_URL", envOrDefault("DATABASE_URL", cfg.DatabaseURL))

	cfg.S3Endpoint = envOrDefault("BOLTSHELL_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = envOrDefault("BOLTSHELL_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Region = envOrDefault("BOLTSHELL_S3_REGION", cfg.S3Region)
	cfg.S3AccessKeyID = envOrDefault("BOLTSHELL_S3_ACCESS_KEY_ID", cfg.S3AccessKeyID)
	cfg.S3SecretAccessKey = envOrDefault("BOLTSHELL_S3_SECRET_ACCESS_KEY", cfg.S3SecretAccessKey)
	cfg.S3ForcePathStyle = envOrDefaultBool("BOLTSHELL_S3_FORCE_PATH_STYLE", cfg.S3ForcePathStyle)
	cfg.AutosaveInterval = envOrDefaultDuration("BOLTSHELL_AUTOSAVE_INTERVAL", cfg.AutosaveInterval)

	cfg.AIBaseURL = envOrDefault("BOLTSHELL_AI_BASE_URL", cfg.AIBaseURL)
	cfg.AIAPIKey = envOrDefault("BOLTSHELL_AI_API_KEY", envOrDefault("OPENAI_API_KEY", cfg.AIAPIKey))
	cfg.AIModel = envOrDefault("BOLTSHELL_AI_MODEL", cfg.AIModel)
	cfg.AIMaxRetries = envOrDefaultInt("BOLTSHELL_AI_MAX_RETRIES", cfg.AIMaxRetries)

	cfg.GRPCPort = envOrDefaultInt("BOLTSHELL_GRPC_PORT", cfg.GRPCPort)

	if portStr := os.Getenv("BOLTSHELL_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid BOLTSHELL_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port %d", c.Port)
	case c.MaxSessions < 1:
		return fmt.Errorf("max_sessions must be at least 1, got %d", c.MaxSessions)
	case c.CommandTimeout <= 0:
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
	case c.WorkspaceDir == "":
		return fmt.Errorf("workspace_dir is required")
	}
	return nil
}

// SnapshotsEnabled reports whether object storage is configured.
func (c *Config) SnapshotsEnabled() bool { return c.S3Bucket != "" }

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envOrDefaultDuration accepts Go durations ("90s") or whole seconds ("90").
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// its values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain.
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}
	return applySecrets(*result.SecretString)
}

func applySecrets(secretJSON string) error {
	var secrets map[string]string
	if err := json.Unmarshal([]byte(secretJSON), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return nil
}

package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
		Metrics bool `mapstructure:"METRICS"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
		Region     string `mapstructure:"REGION"`
	} `mapstructure:"MINIO"`
	Webhook struct {
		Secret     string `mapstructure:"SECRET"`
		CrossCheck bool   `mapstructure:"CROSS_CHECK"`
	} `mapstructure:"WEBHOOK"`
	Pipeline struct {
		Queue       string        `mapstructure:"QUEUE"`
		LeaseTTL    time.Duration `mapstructure:"LEASE_TTL"`
		TaskTimeout time.Duration `mapstructure:"TASK_TIMEOUT"`
	} `mapstructure:"PIPELINE"`
	Render struct {
		MaxAttempts         int           `mapstructure:"MAX_ATTEMPTS"`
		MaxConcurrent       int64         `mapstructure:"MAX_CONCURRENT"`
		ConvertTimeout      time.Duration `mapstructure:"CONVERT_TIMEOUT"`
		StorageTimeout      time.Duration `mapstructure:"STORAGE_TIMEOUT"`
		ChromePath          string        `mapstructure:"CHROME_PATH"`
		PdfApiURL           string        `mapstructure:"PDF_API_URL"`
		PdfApiTokens        []string      `mapstructure:"PDF_API_TOKENS"`
		DefaultTemplatePath string        `mapstructure:"DEFAULT_TEMPLATE_PATH"`
	} `mapstructure:"RENDER"`
	Delivery struct {
		MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
		BaseDelay   time.Duration `mapstructure:"BASE_DELAY"`
		MaxDelay    time.Duration `mapstructure:"MAX_DELAY"`
		SendTimeout time.Duration `mapstructure:"SEND_TIMEOUT"`
		FromEmail   string        `mapstructure:"FROM_EMAIL"`
		FromName    string        `mapstructure:"FROM_NAME"`
	} `mapstructure:"DELIVERY"`
	Sendgrid struct {
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"SENDGRID"`
	SMTP struct {
		Host     string `mapstructure:"HOST"`
		Port     int    `mapstructure:"PORT"`
		Username string `mapstructure:"USERNAME"`
		Password string `mapstructure:"PASSWORD"`
	} `mapstructure:"SMTP"`
	CompletionSource struct {
		BaseURL    string        `mapstructure:"BASE_URL"`
		ApiKey     string        `mapstructure:"API_KEY"`
		MerchantID string        `mapstructure:"MERCHANT_ID"`
		Timeout    time.Duration `mapstructure:"TIMEOUT"`
		MaxRetries int           `mapstructure:"MAX_RETRIES"`
	} `mapstructure:"COMPLETION_SOURCE"`
	Poller struct {
		Schedule     string        `mapstructure:"SCHEDULE"`
		BatchSize    int           `mapstructure:"BATCH_SIZE"`
		Timeout      time.Duration `mapstructure:"TIMEOUT"`
		Concurrency  int           `mapstructure:"CONCURRENCY"`
		CheckTimeout time.Duration `mapstructure:"CHECK_TIMEOUT"`
		StaleAfter   time.Duration `mapstructure:"STALE_AFTER"`
	} `mapstructure:"POLLER"`
	Worker struct {
		Concurrency int   `mapstructure:"CONCURRENCY"`
		NodeID      int64 `mapstructure:"NODE_ID"`
	} `mapstructure:"WORKER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()

	cfg, err := Load(viper.New(), ".")
	if err != nil {
		zap.L().Error("[Config] failed to load config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := overlaySecrets(context.Background(), p.Vault, cfg); err != nil {
			zap.L().Error("[Config] failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return cfg
}

// Load reads config.yaml from path (when present) and the process environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "certificate-pipeline"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "8080"
	}
	if c.Pipeline.Queue == "" {
		c.Pipeline.Queue = "certificates"
	}
	if c.Pipeline.LeaseTTL == 0 {
		c.Pipeline.LeaseTTL = 5 * time.Minute
	}
	if c.Pipeline.TaskTimeout == 0 {
		c.Pipeline.TaskTimeout = 4 * time.Minute
	}
	if c.Render.MaxAttempts == 0 {
		c.Render.MaxAttempts = 3
	}
	if c.Render.MaxConcurrent == 0 {
		c.Render.MaxConcurrent = 2
	}
	if c.Render.ConvertTimeout == 0 {
		c.Render.ConvertTimeout = 60 * time.Second
	}
	if c.Render.StorageTimeout == 0 {
		c.Render.StorageTimeout = 30 * time.Second
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.BaseDelay == 0 {
		c.Delivery.BaseDelay = 30 * time.Second
	}
	if c.Delivery.MaxDelay == 0 {
		c.Delivery.MaxDelay = 15 * time.Minute
	}
	if c.Delivery.SendTimeout == 0 {
		c.Delivery.SendTimeout = 30 * time.Second
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.CompletionSource.Timeout == 0 {
		c.CompletionSource.Timeout = 30 * time.Second
	}
	if c.CompletionSource.MaxRetries == 0 {
		c.CompletionSource.MaxRetries = 3
	}
	if c.Poller.Schedule == "" {
		c.Poller.Schedule = "@every 15m"
	}
	if c.Poller.BatchSize == 0 {
		c.Poller.BatchSize = 50
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = 5 * time.Minute
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = 5
	}
	if c.Poller.CheckTimeout == 0 {
		c.Poller.CheckTimeout = 30 * time.Second
	}
	if c.Poller.StaleAfter == 0 {
		c.Poller.StaleAfter = 10 * time.Minute
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.NodeID == 0 {
		c.Worker.NodeID = 1
	}
}

func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("[Config] Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("[Config] Success Get Secret")

	get := func(key, current string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return current
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	cfg.Webhook.Secret = get("webhook_secret", cfg.Webhook.Secret)
	cfg.Sendgrid.ApiKey = get("sendgrid_api_key", cfg.Sendgrid.ApiKey)
	cfg.SMTP.Password = get("smtp_password", cfg.SMTP.Password)
	cfg.CompletionSource.ApiKey = get("completion_source_api_key", cfg.CompletionSource.ApiKey)

	if tokens := get("pdf_api_tokens", ""); tokens != "" {
		cfg.Render.PdfApiTokens = strings.Split(tokens, ",")
	}

	return nil
}

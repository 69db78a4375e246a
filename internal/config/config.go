// Package config loads service configuration from defaults, an optional TOML
// file (CONFIG_FILE) and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from strings like "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Log       LogConfig       `toml:"log"`
	Render    RenderConfig    `toml:"render"`
	Sandbox   SandboxConfig   `toml:"sandbox"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Storage   StorageConfig   `toml:"storage"`
	Worker    WorkerConfig    `toml:"worker"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	CORS      CORSConfig      `toml:"cors"`
	Sentry    SentryConfig    `toml:"sentry"`
}

type HTTPConfig struct {
	Port            string   `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

type RenderConfig struct {
	WorkspaceRoot    string   `toml:"workspace_root"`
	MaxConcurrent    int      `toml:"max_concurrent"`
	JobTimeout       Duration `toml:"job_timeout"`
	MaxSourceBytes   int      `toml:"max_source_bytes"`
	DefaultDensity   int      `toml:"default_density"`
	MaxPDFBytes      int64    `toml:"max_pdf_bytes"`
	MaxOutputBytes   int64    `toml:"max_output_bytes"`
	MaxWorkspaceSize int64    `toml:"max_workspace_bytes"`
	MaxPages         int      `toml:"max_pages"`
	LogTailBytes     int      `toml:"log_tail_bytes"`
	LatexEngine      string   `toml:"latex_engine"`
	ConvertBin       string   `toml:"convert_bin"`
	DvisvgmBin       string   `toml:"dvisvgm_bin"`
	CacheTTL         Duration `toml:"cache_ttl"`
}

type SandboxConfig struct {
	// Mode is "local" (process group on the host) or "docker".
	Mode        string `toml:"mode"`
	Image       string `toml:"image"`
	MemoryBytes int64  `toml:"memory_bytes"`
	PidsLimit   int64  `toml:"pids_limit"`
	NanoCPUs    int64  `toml:"nano_cpus"`
}

type DatabaseConfig struct {
	URL         string `toml:"url"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	QueueName string `toml:"queue_name"`
}

type StorageConfig struct {
	Provider  string       `toml:"provider"`
	LocalRoot string       `toml:"local_root"`
	GDrive    GDriveConfig `toml:"gdrive"`
	S3        S3Config     `toml:"s3"`
}

type GDriveConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	FolderID     string `toml:"folder_id"`
}

type S3Config struct {
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	UsePathStyle    bool   `toml:"use_path_style"`
}

type WorkerConfig struct {
	// RendererURL sends jobs to a remote render API instead of rendering in
	// the worker process.
	RendererURL string `toml:"renderer_url"`
	Concurrency int    `toml:"concurrency"`

	// ArtifactPrefix is prepended to stored object keys.
	ArtifactPrefix string `toml:"artifact_prefix"`

	// MaxRetries bounds how often a job that hit a busy or unavailable
	// renderer goes back on the queue before it is failed.
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff Duration `toml:"retry_backoff"`
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`

	// TrustedProxies are the reverse proxies allowed to name the client in
	// X-Forwarded-For. Empty means the peer address is always the client.
	TrustedProxies []string `toml:"trusted_proxies"`
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

type SentryConfig struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:            "8000",
			ReadTimeout:     Duration{30 * time.Second},
			WriteTimeout:    Duration{90 * time.Second},
			IdleTimeout:     Duration{120 * time.Second},
			ShutdownTimeout: Duration{30 * time.Second},
			MaxBodyBytes:    1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Render: RenderConfig{
			WorkspaceRoot:    filepath.Join(os.TempDir(), "texrender"),
			MaxConcurrent:    runtime.NumCPU(),
			JobTimeout:       Duration{30 * time.Second},
			MaxSourceBytes:   256 << 10,
			DefaultDensity:   300,
			MaxPDFBytes:      16 << 20,
			MaxOutputBytes:   64 << 10,
			MaxWorkspaceSize: 128 << 20,
			MaxPages:         20,
			LogTailBytes:     4 << 10,
			LatexEngine:      "pdflatex",
			ConvertBin:       "convert",
			DvisvgmBin:       "dvisvgm",
			CacheTTL:         Duration{24 * time.Hour},
		},
		Sandbox: SandboxConfig{
			Mode:        "local",
			Image:       "texlive/texlive:latest",
			MemoryBytes: 1 << 30,
			PidsLimit:   64,
			NanoCPUs:    1_000_000_000,
		},
		Redis: RedisConfig{
			QueueName: "texrender:jobs",
		},
		Storage: StorageConfig{
			Provider:  "localfs",
			LocalRoot: "/data",
			S3:        S3Config{Region: "auto"},
		},
		Worker: WorkerConfig{
			Concurrency:    1,
			ArtifactPrefix: "renders",
			MaxRetries:     3,
			RetryBackoff:   Duration{2 * time.Second},
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE, then env.
func Load() (Config, error) {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var problems []string

	if c.HTTP.Port == "" {
		problems = append(problems, "http.port is required")
	}
	if c.Render.MaxConcurrent < 1 {
		problems = append(problems, "render.max_concurrent must be >= 1")
	}
	if c.Render.JobTimeout.Duration <= 0 {
		problems = append(problems, "render.job_timeout must be positive")
	}
	if c.Render.MaxSourceBytes < 1 {
		problems = append(problems, "render.max_source_bytes must be positive")
	}
	if c.Render.DefaultDensity < 1 {
		problems = append(problems, "render.default_density must be positive")
	}
	if c.Render.WorkspaceRoot == "" {
		problems = append(problems, "render.workspace_root is required")
	}
	switch c.Sandbox.Mode {
	case "local", "docker":
	default:
		problems = append(problems, fmt.Sprintf("sandbox.mode %q is not one of local, docker", c.Sandbox.Mode))
	}
	if c.Worker.Concurrency < 1 {
		problems = append(problems, "worker.concurrency must be >= 1")
	}
	// An in-process worker shares the render admission limit.
	if c.Worker.RendererURL == "" && c.Worker.Concurrency > c.Render.MaxConcurrent {
		problems = append(problems, fmt.Sprintf("worker.concurrency %d exceeds render.max_concurrent %d",
			c.Worker.Concurrency, c.Render.MaxConcurrent))
	}
	if c.Worker.MaxRetries < 0 {
		problems = append(problems, "worker.max_retries must be >= 0")
	}
	if c.Worker.RetryBackoff.Duration < 0 {
		problems = append(problems, "worker.retry_backoff must not be negative")
	}
	switch c.Storage.Provider {
	case "localfs", "gdrive", "s3":
	default:
		problems = append(problems, fmt.Sprintf("storage.provider %q is not one of localfs, gdrive, s3", c.Storage.Provider))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// AsyncEnabled reports whether the job store and queue are configured.
func (c Config) AsyncEnabled() bool {
	return c.Database.URL != "" && c.Redis.Addr != ""
}

func applyEnv(c *Config) error {
	var err error
	set := func(e error) {
		if err == nil && e != nil {
			err = e
		}
	}

	c.HTTP.Port = getEnv("HTTP_PORT", c.HTTP.Port)
	set(envInt64("HTTP_MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes))
	set(envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout))

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	set(envBool("LOG_SOURCE", &c.Log.AddSource))

	c.Render.WorkspaceRoot = getEnv("WORKSPACE_ROOT", c.Render.WorkspaceRoot)
	set(envInt("MAX_CONCURRENT", &c.Render.MaxConcurrent))
	set(envDuration("JOB_TIMEOUT", &c.Render.JobTimeout))
	set(envInt("MAX_SOURCE_BYTES", &c.Render.MaxSourceBytes))
	set(envInt("DEFAULT_DENSITY", &c.Render.DefaultDensity))
	set(envInt64("MAX_PDF_BYTES", &c.Render.MaxPDFBytes))
	set(envInt64("MAX_WORKSPACE_BYTES", &c.Render.MaxWorkspaceSize))
	set(envInt("MAX_PAGES", &c.Render.MaxPages))
	c.Render.LatexEngine = getEnv("LATEX_ENGINE", c.Render.LatexEngine)
	c.Render.ConvertBin = getEnv("CONVERT_BIN", c.Render.ConvertBin)
	c.Render.DvisvgmBin = getEnv("DVISVGM_BIN", c.Render.DvisvgmBin)
	set(envDuration("CACHE_TTL", &c.Render.CacheTTL))

	c.Sandbox.Mode = getEnv("SANDBOX", c.Sandbox.Mode)
	c.Sandbox.Image = getEnv("SANDBOX_IMAGE", c.Sandbox.Image)
	set(envInt64("SANDBOX_MEMORY_BYTES", &c.Sandbox.MemoryBytes))

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	set(envBool("DATABASE_AUTO_MIGRATE", &c.Database.AutoMigrate))

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	set(envInt("REDIS_DB", &c.Redis.DB))
	c.Redis.QueueName = getEnv("JOB_QUEUE_NAME", c.Redis.QueueName)

	c.Storage.Provider = getEnv("STORAGE_PROVIDER", c.Storage.Provider)
	c.Storage.LocalRoot = getEnv("STORAGE_LOCAL_ROOT", c.Storage.LocalRoot)
	c.Storage.GDrive.ClientID = getEnv("GDRIVE_CLIENT_ID", c.Storage.GDrive.ClientID)
	c.Storage.GDrive.ClientSecret = getEnv("GDRIVE_CLIENT_SECRET", c.Storage.GDrive.ClientSecret)
	c.Storage.GDrive.RefreshToken = getEnv("GDRIVE_REFRESH_TOKEN", c.Storage.GDrive.RefreshToken)
	c.Storage.GDrive.FolderID = getEnv("GDRIVE_FOLDER_ID", c.Storage.GDrive.FolderID)
	c.Storage.S3.Bucket = getEnv("S3_BUCKET", c.Storage.S3.Bucket)
	c.Storage.S3.Region = getEnv("S3_REGION", c.Storage.S3.Region)
	c.Storage.S3.Endpoint = getEnv("S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", c.Storage.S3.AccessKeyID)
	c.Storage.S3.SecretAccessKey = getEnv("S3_SECRET_ACCESS_KEY", c.Storage.S3.SecretAccessKey)
	set(envBool("S3_USE_PATH_STYLE", &c.Storage.S3.UsePathStyle))

	c.Worker.RendererURL = getEnv("RENDERER_URL", c.Worker.RendererURL)
	set(envInt("WORKER_CONCURRENCY", &c.Worker.Concurrency))
	set(envInt("WORKER_MAX_RETRIES", &c.Worker.MaxRetries))
	set(envDuration("WORKER_RETRY_BACKOFF", &c.Worker.RetryBackoff))

	set(envFloat("RATE_LIMIT_RPS", &c.RateLimit.RPS))
	set(envInt("RATE_LIMIT_BURST", &c.RateLimit.Burst))
	c.RateLimit.TrustedProxies = envCSV("TRUSTED_PROXIES", c.RateLimit.TrustedProxies)

	c.CORS.AllowedOrigins = envCSV("CORS_ALLOWED_ORIGINS", c.CORS.AllowedOrigins)

	c.Sentry.DSN = getEnv("SENTRY_DSN", c.Sentry.DSN)
	c.Sentry.Environment = getEnv("SENTRY_ENVIRONMENT", c.Sentry.Environment)

	return err
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	return v
}

func envInt(key string, dst *int) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = f
	return nil
}

func envBool(key string, dst *bool) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *Duration) error {
	v := getEnv(key, "")
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	dst.Duration = d
	return nil
}

func envCSV(key string, def []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

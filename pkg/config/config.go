// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure shared by the worker,
// supervisor and gateway processes. Each process only reads the
// sections it needs.
type Config struct {
	App        AppConfig        `koanf:"app"`
	GRPC       GRPCConfig       `koanf:"grpc"`
	HTTP       HTTPConfig       `koanf:"http"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Worker     WorkerConfig     `koanf:"worker"`
	CacheMgr   CacheMgrConfig   `koanf:"project_cache"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Backends   []ServiceEndpoint `koanf:"backends"`
	Database   DatabaseConfig   `koanf:"database"`
	Cache      CacheConfig      `koanf:"cache"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Audit      AuditConfig      `koanf:"audit"`
	Retry      RetryConfig      `koanf:"retry"`
}

// AppConfig holds process-wide identity settings.
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// GRPCConfig configures the RPC server exposed by the supervisor.
type GRPCConfig struct {
	Port              int             `koanf:"port"`
	UnixSocket        string          `koanf:"unix_socket"`
	MaxRecvMsgSize    int             `koanf:"max_recv_msg_size"`
	MaxSendMsgSize    int             `koanf:"max_send_msg_size"`
	MaxConcurrentConn int             `koanf:"max_concurrent_conn"`
	KeepAlive         KeepAliveConfig `koanf:"keepalive"`
	TLS               TLSConfig       `koanf:"tls"`
}

// KeepAliveConfig configures gRPC keepalive enforcement.
type KeepAliveConfig struct {
	MaxConnectionIdle     time.Duration `koanf:"max_connection_idle"`
	MaxConnectionAge      time.Duration `koanf:"max_connection_age"`
	MaxConnectionAgeGrace time.Duration `koanf:"max_connection_age_grace"`
	Time                  time.Duration `koanf:"time"`
	Timeout               time.Duration `koanf:"timeout"`
}

// TLSConfig configures optional (mutual) TLS on the RPC listener.
type TLSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	CertFile   string `koanf:"cert_file"`
	KeyFile    string `koanf:"key_file"`
	CAFile     string `koanf:"ca_file"`
	ClientAuth bool   `koanf:"client_auth"` // require and verify client certs
}

// HTTPConfig configures the gateway's HTTP listener.
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORS            CORSConfig    `koanf:"cors"`
}

// CORSConfig configures the gateway's CORS policy.
type CORSConfig struct {
	Enabled          bool     `koanf:"enabled"`
	AllowedOrigins   []string `koanf:"allowed_origins"`
	AllowedMethods   []string `koanf:"allowed_methods"`
	AllowedHeaders   []string `koanf:"allowed_headers"`
	AllowCredentials bool     `koanf:"allow_credentials"`
	MaxAge           int      `koanf:"max_age"`
}

// LogConfig configures structured logging and file rotation.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	Output     string `koanf:"output"`
	FilePath   string `koanf:"file_path"`
	MaxSize    int    `koanf:"max_size"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAge     int    `koanf:"max_age"`
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Port      int    `koanf:"port"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// SupervisorConfig configures the worker pool owned by a supervisor process.
type SupervisorConfig struct {
	NumProcesses        int           `koanf:"num_processes"`
	MaxWaitingRequests   int           `koanf:"max_waiting_requests"`
	GetWorkerTimeout     time.Duration `koanf:"get_worker_timeout"`
	CancelGrace          time.Duration `koanf:"cancel_grace"`
	RestartGrace         time.Duration `koanf:"restart_grace"`
	MaintainInterval     time.Duration `koanf:"maintain_interval"`
	WorkerFailurePressure float64      `koanf:"worker_failure_pressure"`
	MaxFailures          int           `koanf:"max_failures"`
	WorkerExecutable     string        `koanf:"worker_executable"`
	WorkerArgs           []string      `koanf:"worker_args"`
	RendezVousDir        string        `koanf:"rendez_vous_dir"`
}

// WorkerConfig configures an individual worker subprocess.
type WorkerConfig struct {
	DefaultProject     string        `koanf:"default_project"`
	ProjectCacheStrategy string      `koanf:"project_cache_strategy"` // off, filesystem
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	QGISPluginPath     string        `koanf:"qgis_plugin_path"`
}

// CacheMgrConfig configures the project cache manager and its search paths.
type CacheMgrConfig struct {
	MaxProjects int               `koanf:"max_projects"`
	SearchPaths map[string]string `koanf:"search_paths"` // route-prefix -> root URI
	TrustLayerMetadata bool       `koanf:"trust_layer_metadata"`
}

// GatewayConfig configures the HTTP gateway's routing and admin aggregation behavior.
type GatewayConfig struct {
	ForwardedHeaders []string      `koanf:"forwarded_headers"`
	ChannelGrace     time.Duration `koanf:"channel_grace"`
	WFSMaxFeatures   int           `koanf:"wfs_max_features"`
	AdminCacheTTL    time.Duration `koanf:"admin_cache_ttl"`
}

// ServiceEndpoint describes one backend (supervisor pool) the gateway dials.
type ServiceEndpoint struct {
	Label           string        `koanf:"label"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	UnixSocket      string        `koanf:"unix_socket"`
	Timeout         time.Duration `koanf:"timeout"`
	MaxRetries      int           `koanf:"max_retries"`
	RetryBackoff    time.Duration `koanf:"retry_backoff"`
	TLS             bool          `koanf:"tls"`
	Route           string        `koanf:"route"`
}

// Address returns the dialable address of the endpoint.
func (s ServiceEndpoint) Address() string {
	if s.UnixSocket != "" {
		return "unix://" + s.UnixSocket
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the Postgres pool backing the postgresql cache handler.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
		)
	default:
		return ""
	}
}

// CacheConfig configures the generic KV cache (admin catalog consolidation, rate limiting).
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"`
}

// Address returns the dialable address of the cache backend.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig configures the interceptor-level rate limiter.
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig configures the admin-operation audit log.
type AuditConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Backend         string        `koanf:"backend"`
	FilePath        string        `koanf:"file_path"`
	BufferSize      int           `koanf:"buffer_size"`
	FlushPeriod     time.Duration `koanf:"flush_period"`
	ExcludeMethods  []string      `koanf:"exclude_methods"`
	IncludeRequest  bool          `koanf:"include_request"`
	IncludeResponse bool          `koanf:"include_response"`
}

// RetryConfig configures the gateway channel's reconnect backoff.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// Validate checks structural invariants of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		if c.GRPC.UnixSocket == "" {
			errs = append(errs, fmt.Sprintf("grpc.port must be between 1 and 65535, got %d", c.GRPC.Port))
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Supervisor.NumProcesses < 0 {
		errs = append(errs, "supervisor.num_processes must be non-negative")
	}

	validStrategies := map[string]bool{"": true, "off": true, "filesystem": true}
	if !validStrategies[strings.ToLower(c.Worker.ProjectCacheStrategy)] {
		errs = append(errs, fmt.Sprintf("worker.project_cache_strategy must be off or filesystem, got %s", c.Worker.ProjectCacheStrategy))
	}

	if c.CacheMgr.MaxProjects < 0 {
		errs = append(errs, "project_cache.max_projects must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment reports whether the environment is development.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}

package config

import (
	"time"
)

// ServerConfig represents the inbound SMTP gateway configuration
type ServerConfig struct {
	ListenAddress   string
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
	MaxBodySize     int
}

// RetryConfig represents relay retry behaviour
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// RelayConfig represents the outbound relay configuration
type RelayConfig struct {
	Address   string
	HeloName  string
	TLSMode   string
	TLSVerify bool
	Username  string
	Password  string
	Timeout   time.Duration
	Retry     RetryConfig
}

// StoreConfig represents the case store configuration
type StoreConfig struct {
	Driver           string
	SQLitePath       string
	MySQLDSN         string
	PostgresDSN      string
	PostgresMaxConns int32
}

// S3Config represents an S3-compatible quarantine bucket
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// QuarantineConfig represents the quarantine archive configuration
type QuarantineConfig struct {
	Backend string
	Root    string
	S3      S3Config
}

// ArtifactsConfig locates the schema, model and rule corpus
type ArtifactsConfig struct {
	SchemaPath  string
	ModelPath   string
	CorpusPath  string
	WatchCorpus bool
}

// AdminConfig represents the admin API configuration
type AdminConfig struct {
	Enabled       bool
	ListenAddress string
	JWTSecret     string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// JobConfig represents one external job command
type JobConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// JobsConfig represents the offline job commands
type JobsConfig struct {
	RefreshDataset JobConfig
	RetrainModel   JobConfig
	WorkDir        string
}

// GetServer returns the SMTP gateway configuration
func (c *Config) GetServer() (ServerConfig, error) {
	readTimeout, err := c.GetDuration("server.read_timeout")
	if err != nil {
		return ServerConfig{}, err
	}
	writeTimeout, err := c.GetDuration("server.write_timeout")
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{
		ListenAddress:   c.GetString("server.listen_address"),
		Domain:          c.GetString("server.domain"),
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		MaxMessageBytes: c.GetInt64("server.max_message_bytes"),
		MaxRecipients:   c.GetInt("server.max_recipients"),
		MaxBodySize:     c.GetInt("server.max_body_size"),
	}, nil
}

// GetRelay returns the outbound relay configuration
func (c *Config) GetRelay() (RelayConfig, error) {
	timeout, err := c.GetDuration("relay.timeout")
	if err != nil {
		return RelayConfig{}, err
	}
	initial, err := c.GetDuration("relay.retry.initial_interval")
	if err != nil {
		return RelayConfig{}, err
	}
	maxInterval, err := c.GetDuration("relay.retry.max_interval")
	if err != nil {
		return RelayConfig{}, err
	}
	return RelayConfig{
		Address:   c.GetString("relay.address"),
		HeloName:  c.GetString("relay.helo_name"),
		TLSMode:   c.GetString("relay.tls_mode"),
		TLSVerify: c.GetBool("relay.tls_verify"),
		Username:  c.GetString("relay.username"),
		Password:  c.GetString("relay.password"),
		Timeout:   timeout,
		Retry: RetryConfig{
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			Multiplier:      c.GetFloat64("relay.retry.multiplier"),
			Jitter:          c.GetBool("relay.retry.jitter"),
			MaxRetries:      c.GetInt("relay.retry.max_retries"),
		},
	}, nil
}

// GetStore returns the case store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Driver:           c.GetString("store.driver"),
		SQLitePath:       c.GetString("store.sqlite_path"),
		MySQLDSN:         c.GetString("store.mysql_dsn"),
		PostgresDSN:      c.GetString("store.postgres_dsn"),
		PostgresMaxConns: int32(c.GetInt("store.postgres_max_conns")),
	}
}

// GetQuarantine returns the quarantine archive configuration
func (c *Config) GetQuarantine() QuarantineConfig {
	return QuarantineConfig{
		Backend: c.GetString("quarantine.backend"),
		Root:    c.GetString("quarantine.root"),
		S3: S3Config{
			Endpoint:  c.GetString("quarantine.s3.endpoint"),
			Region:    c.GetString("quarantine.s3.region"),
			Bucket:    c.GetString("quarantine.s3.bucket"),
			Prefix:    c.GetString("quarantine.s3.prefix"),
			AccessKey: c.GetString("quarantine.s3.access_key"),
			SecretKey: c.GetString("quarantine.s3.secret_key"),
			UseSSL:    c.GetBool("quarantine.s3.use_ssl"),
		},
	}
}

// GetArtifacts returns the analysis artifact locations
func (c *Config) GetArtifacts() ArtifactsConfig {
	return ArtifactsConfig{
		SchemaPath:  c.GetString("features.schema_path"),
		ModelPath:   c.GetString("oracle.model_path"),
		CorpusPath:  c.GetString("attribution.corpus_path"),
		WatchCorpus: c.GetBool("attribution.watch"),
	}
}

// GetAdmin returns the admin API configuration
func (c *Config) GetAdmin() (AdminConfig, error) {
	readTimeout, err := c.GetDuration("admin.read_timeout")
	if err != nil {
		return AdminConfig{}, err
	}
	writeTimeout, err := c.GetDuration("admin.write_timeout")
	if err != nil {
		return AdminConfig{}, err
	}
	return AdminConfig{
		Enabled:       c.GetBool("admin.enabled"),
		ListenAddress: c.GetString("admin.listen_address"),
		JWTSecret:     c.GetString("admin.jwt_secret"),
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
	}, nil
}

// GetJobs returns the offline job commands
func (c *Config) GetJobs() (JobsConfig, error) {
	refresh, err := c.getJob("jobs.refresh_dataset")
	if err != nil {
		return JobsConfig{}, err
	}
	retrain, err := c.getJob("jobs.retrain_model")
	if err != nil {
		return JobsConfig{}, err
	}
	return JobsConfig{
		RefreshDataset: refresh,
		RetrainModel:   retrain,
		WorkDir:        c.GetString("jobs.work_dir"),
	}, nil
}

func (c *Config) getJob(prefix string) (JobConfig, error) {
	timeout, err := c.GetDuration(prefix + ".timeout")
	if err != nil {
		return JobConfig{}, err
	}
	return JobConfig{
		Command: c.GetString(prefix + ".command"),
		Args:    c.GetStringSlice(prefix + ".args"),
		Timeout: timeout,
	}, nil
}

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultIdentityURL is where the midtraining identity conversations live.
const DefaultIdentityURL = "https://karpathy-public.s3.us-west-2.amazonaws.com/identity_conversations.jsonl"

// File is the optional YAML configuration. Tunables under `defaults` replace
// the built-in defaults table; environment overrides still win over them.
type File struct {
	Defaults Defaults `yaml:"defaults"`
	Commands struct {
		Python   string `yaml:"python"`
		Torchrun string `yaml:"torchrun"`
	} `yaml:"commands"`
	IdentityURL string `yaml:"identity_url"`
	Fetch       struct {
		Retries        int `yaml:"retries"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"fetch"`
	Store struct {
		Path     string `yaml:"path"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
	Publish PublishConfig `yaml:"publish"`
}

// PublishConfig lists the optional destinations of the finalized report.
type PublishConfig struct {
	MinIO MinIOConfig `yaml:"minio"`
	SFTP  SFTPConfig  `yaml:"sftp"`
}

// MinIOConfig points at an S3-compatible bucket that receives the final report.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled is true once an endpoint and bucket are configured.
func (m MinIOConfig) Enabled() bool { return m.Endpoint != "" && m.Bucket != "" }

// Validate mirrors what the minio client needs before dialing.
func (m MinIOConfig) Validate() error {
	if strings.TrimSpace(m.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(m.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", m.Endpoint)
	}
	if strings.TrimSpace(m.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if m.AccessKey == "" || m.SecretKey == "" {
		return errors.New("access key and secret key are required")
	}
	return nil
}

// SFTPConfig describes a remote host that receives a copy of the final report.
type SFTPConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// Enabled is true once a host is configured.
func (s SFTPConfig) Enabled() bool { return s.Host != "" }

// DefaultFile returns the configuration used when no file exists.
func DefaultFile() File {
	var f File
	f.Defaults = BuiltinDefaults()
	f.Commands.Python = "python"
	f.Commands.Torchrun = "torchrun"
	f.IdentityURL = DefaultIdentityURL
	f.Fetch.Retries = 3
	f.Fetch.TimeoutSeconds = 300
	f.Telemetry.Enabled = true
	f.Publish.MinIO.Region = "us-east-1"
	f.Publish.SFTP.Port = 22
	return f
}

// DefaultPath resolves $XDG_CONFIG_HOME/nanorun/config.yaml or ~/.config/nanorun/config.yaml.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "nanorun")
}

// LoadFile reads YAML configuration from path. An empty path means the default
// location, where a missing file is not an error.
func LoadFile(path string) (File, error) {
	cfg := DefaultFile()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			if err := finishFile(&cfg, ""); err != nil {
				return cfg, err
			}
			return cfg, cfg.Validate()
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := finishFile(&cfg, filepath.Join(filepath.Dir(path), "secrets.env")); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects file settings that would only fail once the run is under way.
func (f File) Validate() error {
	if f.Fetch.Retries < 0 {
		return &ConfigError{Key: "fetch.retries", Value: strconv.Itoa(f.Fetch.Retries), Reason: "must not be negative"}
	}
	if f.Fetch.TimeoutSeconds < 0 {
		return &ConfigError{Key: "fetch.timeout_seconds", Value: strconv.Itoa(f.Fetch.TimeoutSeconds), Reason: "must not be negative"}
	}
	return nil
}

// finishFile expands paths and merges publisher credentials from secrets.env
// and the process environment so they stay out of the YAML.
func finishFile(cfg *File, secretsPath string) error {
	cfg.Defaults.BaseDir = expandHome(cfg.Defaults.BaseDir)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	cfg.Publish.SFTP.KeyPath = expandHome(cfg.Publish.SFTP.KeyPath)
	cfg.Publish.SFTP.KnownHosts = expandHome(cfg.Publish.SFTP.KnownHosts)

	secrets, err := LoadSecretsEnv(secretsPath)
	if err != nil {
		return err
	}
	for _, k := range []string{"MINIO_ACCESS_KEY", "MINIO_SECRET_KEY"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets["MINIO_ACCESS_KEY"]; v != "" {
		cfg.Publish.MinIO.AccessKey = v
	}
	if v := secrets["MINIO_SECRET_KEY"]; v != "" {
		cfg.Publish.MinIO.SecretKey = v
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// Package config loads configuration of telemetry logs.
//
// Configuration is read from a single file given explicitly by the caller.
// Files ending in .json or .jsonc are JSON with comments and trailing
// commas, everything else is YAML. There is no automatic discovery.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/oceanlog/telemlog/filter"
)

// Config is the configuration of a set of device logs
type Config struct {
	// DataDir is where .dat and .idx files are stored
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// LogDir is where application logs are written, empty disables them
	LogDir string `yaml:"log_dir" json:"log_dir"`
	// daily log files older than this many days are removed, 0 keeps all
	LogMaxDays int  `yaml:"log_max_days" json:"log_max_days"`
	Verbose    bool `yaml:"verbose" json:"verbose"`

	Devices []Device `yaml:"devices" json:"devices"`

	// ShelfLife is the default staleness cutoff, e.g. "24h".
	// Empty or "0" means packets never become stale.
	ShelfLife string `yaml:"shelf_life" json:"shelf_life"`
	// DefaultFilters are parsed with filter.Parse
	DefaultFilters []string `yaml:"default_filters" json:"default_filters"`

	Archive Archive `yaml:"archive" json:"archive"`
}

// Device is a log of one device
type Device struct {
	ID      int64  `yaml:"id" json:"id"`
	Segment int    `yaml:"segment" json:"segment"`
	Suffix  string `yaml:"suffix" json:"suffix"`
	// overrides Config.ShelfLife
	ShelfLife string `yaml:"shelf_life" json:"shelf_life"`
	// overrides Config.DefaultFilters
	Filters []string `yaml:"filters" json:"filters"`
}

// Archive configures where closed segments are archived
type Archive struct {
	// Target is one of: s3, sftp, http. Empty means segments are only
	// compressed into StagingDir.
	Target string `yaml:"target" json:"target"`
	// Compression is one of: zstd, brotli, lz4, gzip, none
	Compression string `yaml:"compression" json:"compression"`
	StagingDir  string `yaml:"staging_dir" json:"staging_dir"`

	S3   S3   `yaml:"s3" json:"s3"`
	SFTP SFTP `yaml:"sftp" json:"sftp"`
	HTTP HTTP `yaml:"http" json:"http"`
}

// S3 is an S3-compatible storage (AWS, R2, Backblaze, Minio)
type S3 struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Access   string `yaml:"access" json:"access"`
	Secret   string `yaml:"secret" json:"secret"`
	Region   string `yaml:"region" json:"region"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Insecure bool   `yaml:"insecure" json:"insecure"`
}

// SFTP is a server reachable over ssh
type SFTP struct {
	// host or host:port
	Host      string `yaml:"host" json:"host"`
	User      string `yaml:"user" json:"user"`
	KeyPath   string `yaml:"key_path" json:"key_path"`
	RemoteDir string `yaml:"remote_dir" json:"remote_dir"`
}

// HTTP is an ingest endpoint accepting PUT of files
type HTTP struct {
	URL    string `yaml:"url" json:"url"`
	APIKey string `yaml:"api_key" json:"api_key"`
}

var (
	Targets      = []string{"s3", "sftp", "http"}
	Compressions = []string{"zstd", "brotli", "lz4", "gzip", "none"}
)

// Default returns configuration used as a base before loading a file
func Default() *Config {
	return &Config{
		DataDir: "data",
		Archive: Archive{
			Compression: "zstd",
			StagingDir:  "archive",
		},
	}
}

// LoadFile loads configuration from path
func LoadFile(path string) (*Config, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := Parse(d, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration. ext selects the format: ".json" and
// ".jsonc" are JSONC, anything else is YAML.
func Parse(d []byte, ext string) (*Config, error) {
	cfg := Default()
	var err error
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(d), cfg)
	default:
		err = yaml.Unmarshal(d, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandEnv()
	return cfg, nil
}

// expandEnv expands ${VAR} in paths and credentials so that secrets
// don't have to be stored in the file
func (c *Config) expandEnv() {
	for _, s := range []*string{
		&c.DataDir, &c.LogDir, &c.Archive.StagingDir,
		&c.Archive.S3.Access, &c.Archive.S3.Secret,
		&c.Archive.SFTP.KeyPath, &c.Archive.HTTP.APIKey,
	} {
		*s = os.ExpandEnv(*s)
	}
}

func parseShelfLife(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// ShelfLifeFor returns the staleness cutoff of a device, 0 if packets
// never become stale
func (c *Config) ShelfLifeFor(d *Device) (time.Duration, error) {
	s := c.ShelfLife
	if d != nil && d.ShelfLife != "" {
		s = d.ShelfLife
	}
	return parseShelfLife(s)
}

// FiltersFor returns default filters of a device. Returns nil if none
// are configured. Filters are stateful so each call returns new ones.
func (c *Config) FiltersFor(d *Device) ([]filter.Filter, error) {
	specs := c.DefaultFilters
	if d != nil && len(d.Filters) > 0 {
		specs = d.Filters
	}
	if len(specs) == 0 {
		return nil, nil
	}
	return filter.ParseAll(specs)
}

// FindDevice returns configuration of a device, nil if not configured
func (c *Config) FindDevice(id int64) *Device {
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			return &c.Devices[i]
		}
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	if c.LogMaxDays < 0 {
		errs = append(errs, fmt.Errorf("log_max_days can't be negative"))
	}
	if _, err := parseShelfLife(c.ShelfLife); err != nil {
		errs = append(errs, fmt.Errorf("shelf_life: %w", err))
	}
	if _, err := filter.ParseAll(c.DefaultFilters); err != nil {
		errs = append(errs, fmt.Errorf("default_filters: %w", err))
	}

	seen := map[string]bool{}
	for i := range c.Devices {
		d := &c.Devices[i]
		key := fmt.Sprintf("%d_%d%s", d.ID, d.Segment, d.Suffix)
		if seen[key] {
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate device %s", i, key))
		}
		seen[key] = true
		if d.Segment < 0 {
			errs = append(errs, fmt.Errorf("devices[%d]: negative segment %d", i, d.Segment))
		}
		if _, err := parseShelfLife(d.ShelfLife); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d].shelf_life: %w", i, err))
		}
		if _, err := filter.ParseAll(d.Filters); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d].filters: %w", i, err))
		}
	}

	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks archive configuration
func (a *Archive) Validate() error {
	var errs []error
	if !contains(Compressions, a.Compression) {
		errs = append(errs, fmt.Errorf("archive.compression must be one of: %v", Compressions))
	}
	if a.StagingDir == "" {
		errs = append(errs, fmt.Errorf("archive.staging_dir is required"))
	}
	switch a.Target {
	case "":
	case "s3":
		if a.S3.Endpoint == "" || a.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("archive.s3: endpoint and bucket are required"))
		}
		if a.S3.Access == "" || a.S3.Secret == "" {
			errs = append(errs, fmt.Errorf("archive.s3: access and secret are required"))
		}
	case "sftp":
		if a.SFTP.Host == "" || a.SFTP.User == "" || a.SFTP.KeyPath == "" {
			errs = append(errs, fmt.Errorf("archive.sftp: host, user and key_path are required"))
		}
	case "http":
		if !strings.HasPrefix(a.HTTP.URL, "http://") && !strings.HasPrefix(a.HTTP.URL, "https://") {
			errs = append(errs, fmt.Errorf("archive.http: invalid url '%s'", a.HTTP.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.target must be one of: %v", Targets))
	}
	return errors.Join(errs...)
}

// EnsureDirs creates data, log and staging directories
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.LogDir, c.Archive.StagingDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

func contains(a []string, s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

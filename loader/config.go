package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/filecat"
	"github.com/metadex/metadex/propdb"
)

// Config describes a metadata archive: where the property store and file
// catalog live, which property table bare field names address, and the
// manifest specs requests resolve against.
type Config struct {
	PropDB       string `yaml:"propdb" json:"propdb"`
	FileCat      string `yaml:"filecat" json:"filecat"`
	DefaultTable string `yaml:"default_table,omitempty" json:"default_table,omitempty"`
	Metadata     []Spec `yaml:"metadata" json:"metadata"`
}

// LoadConfig reads a config from a YAML or JSON file, picked by
// extension, then applies METADEX_* environment overrides. Paths in the
// file are resolved relative to the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: failed to read config file: %w", err)
	}

	cfg := &Config{}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, metadex.Wrap(metadex.KindSchema, "loader: failed to parse YAML config", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, metadex.Wrap(metadex.KindSchema, "loader: failed to parse JSON config", err)
		}
	default:
		return nil, metadex.Errorf(metadex.KindSchema, "loader: unsupported config file format: %s", ext)
	}

	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyEnv()
	return cfg, nil
}

// resolvePaths anchors relative store paths at the config file's
// directory. Env overrides are taken as given.
func (c *Config) resolvePaths(dir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.PropDB = resolve(c.PropDB)
	c.FileCat = resolve(c.FileCat)
	for i := range c.Metadata {
		c.Metadata[i].DB = resolve(c.Metadata[i].DB)
	}
}

// applyEnv overrides config fields from METADEX_* environment variables.
// A .env file in the working directory is honored.
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("METADEX_PROPDB"); v != "" {
		c.PropDB = v
	}
	if v := os.Getenv("METADEX_FILECAT"); v != "" {
		c.FileCat = v
	}
	if v := os.Getenv("METADEX_DEFAULT_TABLE"); v != "" {
		c.DefaultTable = v
	}
}

// OpenPropDB opens the property store the config names, honoring
// DefaultTable. A config without one yields a nil store.
func (c *Config) OpenPropDB(log *zap.Logger) (*propdb.Store, error) {
	if c.PropDB == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := []propdb.Option{propdb.WithLogger(log)}
	if c.DefaultTable != "" {
		opts = append(opts, propdb.WithDefaultTable(c.DefaultTable))
	}
	return propdb.Open(c.PropDB, opts...)
}

// OpenFileCat opens the file catalog the config names. A config without
// one yields a nil catalog.
func (c *Config) OpenFileCat(log *zap.Logger) (*filecat.Catalog, error) {
	if c.FileCat == "" {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return filecat.Open(c.FileCat, filecat.WithLogger(log))
}

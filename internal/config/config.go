// Package config loads the panel's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"reprapctl/internal/model"
	"reprapctl/internal/stream"
)

type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
	Stream     stream.Config    `yaml:"stream"`
	Panel      PanelConfig      `yaml:"panel"`
	Store      StoreConfig      `yaml:"store"`
	Drop       DropConfig       `yaml:"drop"`
	// Settings seeds the settings store on first start.
	Settings model.Settings `yaml:"settings"`
}

type ControllerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type PanelConfig struct {
	LayerLogSize   int  `yaml:"layer_log_size"`
	MessageLogSize int  `yaml:"message_log_size"`
	AutoConnect    bool `yaml:"auto_connect"`
}

type StoreConfig struct {
	NodeID    string `yaml:"node_id"`
	DataDir   string `yaml:"data_dir"`
	Bind      string `yaml:"bind"`
	Bootstrap bool   `yaml:"bootstrap"`
}

type DropConfig struct {
	// Dir holds print/ and upload/ subdirectories; empty disables the watcher.
	Dir    string        `yaml:"dir"`
	Settle time.Duration `yaml:"settle"`
}

func Default() Config {
	return Config{
		Controller: ControllerConfig{Timeout: 5 * time.Second},
		HTTP:       HTTPConfig{Listen: ":8080"},
		Log:        LogConfig{Level: "info"},
		Stream:     stream.DefaultConfig(),
		Panel:      PanelConfig{LayerLogSize: 100, MessageLogSize: 50},
		Store: StoreConfig{
			NodeID:    "node1",
			DataDir:   "raft-data",
			Bind:      "127.0.0.1:12000",
			Bootstrap: true,
		},
		Drop:     DropConfig{Settle: 500 * time.Millisecond},
		Settings: model.DefaultSettings(),
	}
}

// Load reads path over the defaults. A missing file is an error; an empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Controller.URL == "" {
		errs = append(errs, errors.New("controller.url is required"))
	}
	if c.Controller.Timeout <= 0 {
		errs = append(errs, errors.New("controller.timeout must be positive"))
	}
	if c.Stream.MaxBuffer <= c.Stream.LowWater {
		errs = append(errs, errors.New("stream.max_buffer must exceed stream.low_water"))
	}
	if c.Stream.MaxBatchLines <= 0 {
		errs = append(errs, errors.New("stream.max_batch_lines must be positive"))
	}
	if c.Panel.LayerLogSize < 2 {
		errs = append(errs, errors.New("panel.layer_log_size must be at least 2"))
	}
	if c.Store.NodeID == "" || c.Store.DataDir == "" {
		errs = append(errs, errors.New("store.node_id and store.data_dir are required"))
	}
	if err := c.Settings.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("settings: %w", err))
	}
	return errors.Join(errs...)
}

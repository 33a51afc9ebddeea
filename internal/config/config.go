// Package config loads the service configuration from a YAML or JSON file
// with strict field checking, and watches the file for live reloads.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	logx "courierops/pkg/logx"
)

type Config struct {
	// HTTPAddr is the listen address of the courier API, e.g. ":8080".
	HTTPAddr string `json:"http_addr"`

	// BaseURL is the externally reachable web UI address used in keyboard
	// action links. Non-routable values disable keyboards.
	BaseURL string `json:"base_url"`

	JWTSecret string `json:"jwt_secret"`

	Log     logx.Config   `json:"log"`
	Storage StorageConfig `json:"storage"`

	Telegram TelegramConfig `json:"telegram"`
	Notify   NotifyConfig   `json:"notify"`

	path string
}

// Path is the file the config was loaded from; the watcher re-reads it.
func (c *Config) Path() string { return c.path }

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type TelegramConfig struct {
	// Token seeds the settings store on first run; the store stays
	// authoritative afterwards.
	Token       string `json:"token"`
	AutoStart   bool   `json:"auto_start"`
	PollTimeout string `json:"poll_timeout"`
	SendTimeout string `json:"send_timeout"`
}

type NotifyConfig struct {
	Cooldown      string `json:"cooldown"`
	SweepInterval string `json:"sweep_interval"`
	SendTimeout   string `json:"send_timeout"`
	BulkPace      string `json:"bulk_pace"`
}

// Durations is the parsed form of the string duration fields.
type Durations struct {
	StorageBusyTimeout  time.Duration
	TelegramPollTimeout time.Duration
	TelegramSendTimeout time.Duration
	NotifyCooldown      time.Duration
	NotifySweepInterval time.Duration
	NotifySendTimeout   time.Duration
	NotifyBulkPace      time.Duration
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.path = path
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	_, err := c.ParseDurations()
	return err
}

// ParseDurations resolves the string duration fields, applying defaults for
// the ones left empty.
func (c *Config) ParseDurations() (Durations, error) {
	var d Durations
	var err error
	parse := func(path, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var v time.Duration
		v, err = parseDurationOrDefault(path, raw, def)
		return v
	}
	d.StorageBusyTimeout = parse("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	d.TelegramPollTimeout = parse("telegram.poll_timeout", c.Telegram.PollTimeout, 30*time.Second)
	d.TelegramSendTimeout = parse("telegram.send_timeout", c.Telegram.SendTimeout, 10*time.Second)
	d.NotifyCooldown = parse("notify.cooldown", c.Notify.Cooldown, 5*time.Minute)
	d.NotifySweepInterval = parse("notify.sweep_interval", c.Notify.SweepInterval, 10*time.Minute)
	d.NotifySendTimeout = parse("notify.send_timeout", c.Notify.SendTimeout, 10*time.Second)
	d.NotifyBulkPace = parse("notify.bulk_pace", c.Notify.BulkPace, 100*time.Millisecond)
	return d, err
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

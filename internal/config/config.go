// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig declares a record type able to hold threads.
type ModelConfig struct {
	Name            string `yaml:"name"`
	Creatable       bool   `yaml:"creatable"`
	Updatable       bool   `yaml:"updatable"`
	NameField       string `yaml:"name_field"`
	EmailField      string `yaml:"email_field"`
	CreationSubtype string `yaml:"creation_subtype"`
}

// AliasConfig seeds the alias directory of the in-memory store.
type AliasConfig struct {
	Name          string         `yaml:"name"`
	Domain        string         `yaml:"domain"`
	Model         string         `yaml:"model"`
	Defaults      map[string]any `yaml:"defaults"`
	ForceThreadID int64          `yaml:"force_thread_id"`
	UserID        int64          `yaml:"user_id"`
	ContactPolicy string         `yaml:"contact_policy"`
	BounceMessage string         `yaml:"bounce_message"`
}

// OAuthConfig holds client-credentials settings for XOAUTH2 IMAP login.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether OAuth credentials are present.
func (o OAuthConfig) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != "" && (o.TokenURL != "" || o.TenantID != "")
}

// FetchmailConfig describes one IMAP mailbox polled for inbound mail.
type FetchmailConfig struct {
	Name          string        `yaml:"name"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	TLS           bool          `yaml:"tls"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Mailbox       string        `yaml:"mailbox"`
	Interval      time.Duration `yaml:"interval"`
	FallbackModel string        `yaml:"fallback_model"`
	OAuth         OAuthConfig   `yaml:"oauth"`
}

// SMTPConfig holds the outbound relay.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      string `yaml:"tls"`
	HeloName string `yaml:"helo_name"`
}

// S3Config holds attachment storage settings. An empty bucket keeps
// attachments in memory.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// Thresholds are the tunable limits of routing and fan-out.
type Thresholds struct {
	LoopWindow       time.Duration `yaml:"loop_window"`
	LoopThreshold    int           `yaml:"loop_threshold"`
	BatchSize        int           `yaml:"batch_size"`
	ForceSendLimit   int           `yaml:"force_send_limit"`
	PushDeviceCutoff int           `yaml:"push_device_cutoff"`
	PushPayloadLimit int           `yaml:"push_payload_limit"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LoopWindow:       120 * time.Minute,
		LoopThreshold:    20,
		BatchSize:        50,
		ForceSendLimit:   100,
		PushDeviceCutoff: 5,
		PushPayloadLimit: 4096,
	}
}

// Config holds all configuration for the mail gateway.
type Config struct {
	// Server
	Port            int
	SMTPAddr        string
	LMTP            bool
	MaxMessageBytes int64
	// GatewayToken, when set, is required as a bearer token on /mail/gateway.
	GatewayToken string

	// Storage
	DatabaseURL string
	RedisURL    string
	MailQueue   string
	PushQueue   string
	BusChannel  string
	S3          S3Config

	// Mail domain
	Domain        string
	CatchallAlias string
	BounceAlias   string
	CompanyName   string
	BaseURL       string
	FallbackModel string
	// GatewayUserID acts for routes without an alias user.
	GatewayUserID int64
	// NotificationFrom is the sender address of notification mail.
	NotificationFrom string

	Models    []ModelConfig
	Aliases   []AliasConfig
	Fetchmail []FetchmailConfig

	SMTP SMTPConfig

	// Push and bus
	VAPIDPrivateKey string
	VAPIDSubject    string
	BusSecret       string

	Thresholds       Thresholds
	TestMode         bool
	TemplateDir      string
	SchedulerSpec    string
	StripAttachments bool
	SaveOriginal     bool
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Server struct {
		Port            int    `yaml:"port"`
		SMTPAddr        string `yaml:"smtp_addr"`
		LMTP            bool   `yaml:"lmtp"`
		MaxMessageBytes int64  `yaml:"max_message_bytes"`
		GatewayToken    string `yaml:"gateway_token"`
	} `yaml:"server"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Mail string `yaml:"mail"`
			Push string `yaml:"push"`
		} `yaml:"queues"`
		BusChannel string `yaml:"bus_channel"`
	} `yaml:"redis"`
	S3   S3Config `yaml:"s3"`
	Mail struct {
		Domain           string `yaml:"domain"`
		CatchallAlias    string `yaml:"catchall_alias"`
		BounceAlias      string `yaml:"bounce_alias"`
		CompanyName      string `yaml:"company_name"`
		BaseURL          string `yaml:"base_url"`
		FallbackModel    string `yaml:"fallback_model"`
		GatewayUserID    int64  `yaml:"gateway_user_id"`
		NotificationFrom string `yaml:"notification_from"`
		TemplateDir      string `yaml:"template_dir"`
		StripAttachments bool   `yaml:"strip_attachments"`
		SaveOriginal     bool   `yaml:"save_original"`
		TestMode         bool   `yaml:"test_mode"`
	} `yaml:"mail"`
	Models     []ModelConfig     `yaml:"models"`
	Aliases    []AliasConfig     `yaml:"aliases"`
	Fetchmail  []FetchmailConfig `yaml:"fetchmail"`
	SMTP       SMTPConfig        `yaml:"smtp"`
	Thresholds Thresholds        `yaml:"thresholds"`
	Push       struct {
		VAPIDPrivateKey string `yaml:"vapid_private_key"`
		Subject         string `yaml:"subject"`
	} `yaml:"push"`
	Bus struct {
		Secret string `yaml:"secret"`
	} `yaml:"bus"`
	Scheduler struct {
		Spec string `yaml:"spec"`
	} `yaml:"scheduler"`
}

// Load reads configuration from the file at CONFIG_PATH.
func Load() (*Config, error) {
	return LoadFile(envOrDefault("CONFIG_PATH", "/app/config/config.yaml"))
}

// LoadFile reads configuration from configPath (with ${VAR} expansion)
// and environment variables for non-YAML settings.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		Port:            firstPositive(raw.Server.Port, envOrDefaultInt("PORT", 8080)),
		SMTPAddr:        firstNonEmpty(raw.Server.SMTPAddr, envOrDefault("SMTP_ADDR", "")),
		LMTP:            raw.Server.LMTP,
		MaxMessageBytes: raw.Server.MaxMessageBytes,
		GatewayToken:    firstNonEmpty(raw.Server.GatewayToken, envOrDefault("GATEWAY_TOKEN", "")),
		DatabaseURL:     firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		RedisURL:        firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "")),
		MailQueue:       firstNonEmpty(raw.Redis.Queues.Mail, envOrDefault("MAIL_QUEUE", "mailgate:mail")),
		PushQueue:       firstNonEmpty(raw.Redis.Queues.Push, envOrDefault("PUSH_QUEUE", "mailgate:push")),
		BusChannel:      firstNonEmpty(raw.Redis.BusChannel, "mailgate:bus"),
		S3:              raw.S3,

		Domain:        strings.ToLower(firstNonEmpty(raw.Mail.Domain, envOrDefault("MAIL_DOMAIN", ""))),
		CatchallAlias: strings.ToLower(raw.Mail.CatchallAlias),
		BounceAlias:   strings.ToLower(firstNonEmpty(raw.Mail.BounceAlias, "bounce")),
		CompanyName:   raw.Mail.CompanyName,
		BaseURL:       strings.TrimRight(raw.Mail.BaseURL, "/"),
		FallbackModel: raw.Mail.FallbackModel,
		GatewayUserID: raw.Mail.GatewayUserID,
		TemplateDir:   raw.Mail.TemplateDir,
		TestMode:      raw.Mail.TestMode,

		NotificationFrom: raw.Mail.NotificationFrom,

		StripAttachments: raw.Mail.StripAttachments,
		SaveOriginal:     raw.Mail.SaveOriginal,

		Models:    raw.Models,
		Aliases:   raw.Aliases,
		Fetchmail: raw.Fetchmail,
		SMTP:      raw.SMTP,

		VAPIDPrivateKey: firstNonEmpty(raw.Push.VAPIDPrivateKey, envOrDefault("VAPID_PRIVATE_KEY", "")),
		VAPIDSubject:    raw.Push.Subject,
		BusSecret:       firstNonEmpty(raw.Bus.Secret, envOrDefault("BUS_SECRET", "")),
		SchedulerSpec:   firstNonEmpty(raw.Scheduler.Spec, "@every 1m"),
	}

	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 25 << 20
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	cfg.Thresholds = mergeThresholds(raw.Thresholds, DefaultThresholds())
	cfg.Thresholds.LoopWindow = envOrDefaultDuration("LOOP_WINDOW", cfg.Thresholds.LoopWindow)
	cfg.Thresholds.LoopThreshold = envOrDefaultInt("LOOP_THRESHOLD", cfg.Thresholds.LoopThreshold)

	for i := range cfg.Fetchmail {
		f := &cfg.Fetchmail[i]
		if f.Port == 0 {
			f.Port = 993
			f.TLS = true
		}
		if f.Mailbox == "" {
			f.Mailbox = "INBOX"
		}
		if f.Interval <= 0 {
			f.Interval = 5 * time.Minute
		}
		if f.Name == "" {
			f.Name = f.Username + "@" + f.Host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Models) == 0 {
		errs = append(errs, errors.New("no models configured, check config.yaml"))
	}
	known := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			errs = append(errs, errors.New("model without a name"))
			continue
		}
		known[m.Name] = true
	}
	for _, a := range c.Aliases {
		if !known[a.Model] {
			errs = append(errs, fmt.Errorf("alias %q targets unknown model %q", a.Name, a.Model))
		}
	}
	if c.FallbackModel != "" && !known[c.FallbackModel] {
		errs = append(errs, fmt.Errorf("fallback model %q is not configured", c.FallbackModel))
	}
	for _, f := range c.Fetchmail {
		if f.Host == "" || f.Username == "" {
			errs = append(errs, fmt.Errorf("fetchmail %q needs host and username", f.Name))
		}
		if f.Password == "" && !f.OAuth.Enabled() {
			errs = append(errs, fmt.Errorf("fetchmail %q needs a password or oauth credentials", f.Name))
		}
	}
	t := c.Thresholds
	if t.LoopThreshold <= 0 || t.BatchSize <= 0 || t.ForceSendLimit <= 0 || t.PushDeviceCutoff < 0 || t.LoopWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid thresholds %+v", t))
	}
	if t.PushPayloadLimit <= 0 || t.PushPayloadLimit > 4096 {
		errs = append(errs, fmt.Errorf("push payload limit %d outside 1..4096", t.PushPayloadLimit))
	}
	return errors.Join(errs...)
}

func mergeThresholds(t, def Thresholds) Thresholds {
	if t.LoopWindow <= 0 {
		t.LoopWindow = def.LoopWindow
	}
	if t.LoopThreshold == 0 {
		t.LoopThreshold = def.LoopThreshold
	}
	if t.BatchSize == 0 {
		t.BatchSize = def.BatchSize
	}
	if t.ForceSendLimit == 0 {
		t.ForceSendLimit = def.ForceSendLimit
	}
	if t.PushDeviceCutoff == 0 {
		t.PushDeviceCutoff = def.PushDeviceCutoff
	}
	if t.PushPayloadLimit == 0 {
		t.PushPayloadLimit = def.PushPayloadLimit
	}
	return t
}

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

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

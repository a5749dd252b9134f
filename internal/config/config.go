// Package config loads the process-wide configuration once at start-up and
// converts it into the immutable values injected into the engine.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"hazard-orchestrator/internal/compose"
	"hazard-orchestrator/internal/models"
	"hazard-orchestrator/internal/recipients"
	"hazard-orchestrator/internal/store"
	"hazard-orchestrator/internal/triage"
)

// Config is the root of the YAML configuration file
type Config struct {
	Temporal    Temporal    `yaml:"temporal"`
	Store       Store       `yaml:"store"`
	Logging     Logging     `yaml:"logging"`
	Metrics     Metrics     `yaml:"metrics"`
	Channels    Channels    `yaml:"channels"`
	Routing     Routing     `yaml:"routing"`
	Contacts    Contacts    `yaml:"contacts"`
	RetryPolicy RetryPolicy `yaml:"retry_policy"`
	Dispatch    Dispatch    `yaml:"dispatch"`
	Language    Language    `yaml:"language"`
	SMTP        SMTP        `yaml:"smtp"`
	SMS         Gateway     `yaml:"sms"`
	Voice       Gateway     `yaml:"voice"`
	Meshtastic  Meshtastic  `yaml:"meshtastic"`
	Radio       Radio       `yaml:"radio"`
}

type Temporal struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

type Store struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type Channels struct {
	OrderDefault  []string            `yaml:"order_default"`
	OrderByHazard map[string][]string `yaml:"order_by_hazard"`
}

// Rule is the routing rule of one hazard
type Rule struct {
	Recipients       []string            `yaml:"recipients"`
	SeverityChannels map[string][]string `yaml:"severity_channels"`
}

type Routing struct {
	Rules map[string]Rule `yaml:"rules"`
}

type Contacts struct {
	Groups map[string][]models.Contact `yaml:"groups"`
}

type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type Dispatch struct {
	Concurrency int `yaml:"concurrency"`
	// Channels whose successful send is itself a confirmed receipt.
	ConfirmingChannels []string      `yaml:"confirming_channels"`
	AckWindow          time.Duration `yaml:"ack_window"`
	DryRun             bool          `yaml:"dry_run"`
}

type Language struct {
	Default string `yaml:"default"`
	Rules   []struct {
		NameContains string `yaml:"name_contains"`
		Lang         string `yaml:"lang"`
	} `yaml:"rules"`
}

type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	NoVerify bool   `yaml:"no_verify"`
}

// Gateway is an HTTP SMS or voice provider
type Gateway struct {
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxChars int           `yaml:"max_chars"`
}

type Meshtastic struct {
	Broker       string            `yaml:"broker"`
	Topic        string            `yaml:"topic"`
	ClientID     string            `yaml:"client_id"`
	Username     string            `yaml:"username"`
	Password     string            `yaml:"password"`
	MaxChars     int               `yaml:"max_chars"`
	ShorthandMap map[string]string `yaml:"shorthand_map"`
}

type Radio struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	c := Config{}
	c.applyDefaults()
	return c
}

// Load reads and validates the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Temporal.HostPort == "" {
		c.Temporal.HostPort = "localhost:7233"
	}
	if c.Temporal.Namespace == "" {
		c.Temporal.Namespace = "default"
	}
	if c.Temporal.TaskQueue == "" {
		c.Temporal.TaskQueue = "hazard-dispatch"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = store.BackendSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/dispatch.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Channels.OrderDefault) == 0 {
		c.Channels.OrderDefault = append([]string(nil), triage.GlobalDefaultOrder...)
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy.MaxAttempts = 3
	}
	if c.Dispatch.Concurrency <= 0 {
		c.Dispatch.Concurrency = 8
	}
	if c.Language.Default == "" {
		c.Language.Default = models.DefaultLanguage
	}
	if c.Meshtastic.MaxChars <= 0 {
		c.Meshtastic.MaxChars = 200
	}
	if c.Meshtastic.Topic == "" {
		c.Meshtastic.Topic = "msh/ews/send"
	}
	if c.Meshtastic.ClientID == "" {
		c.Meshtastic.ClientID = "hazard-orchestrator"
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 25
	}
	if c.Radio.Topic == "" {
		c.Radio.Topic = "radio-broadcast"
	}
	if c.SMS.Timeout == 0 {
		c.SMS.Timeout = 10 * time.Second
	}
	if c.Voice.Timeout == 0 {
		c.Voice.Timeout = 10 * time.Second
	}
}

var knownChannels = map[string]bool{
	models.ChannelEmail:      true,
	models.ChannelSMS:        true,
	models.ChannelVoice:      true,
	models.ChannelMeshtastic: true,
	models.ChannelRadio:      true,
}

// Validate checks channel names, severities and backend settings.
func (c *Config) Validate() error {
	check := func(where string, channels []string) error {
		for _, ch := range channels {
			if !knownChannels[ch] {
				return errors.Errorf("%s: unknown channel %q", where, ch)
			}
		}
		return nil
	}

	if err := check("channels.order_default", c.Channels.OrderDefault); err != nil {
		return err
	}
	for hazard, order := range c.Channels.OrderByHazard {
		if err := check("channels.order_by_hazard."+hazard, order); err != nil {
			return err
		}
	}
	for hazard, rule := range c.Routing.Rules {
		for sev, order := range rule.SeverityChannels {
			if _, err := models.ParseSeverity(sev); err != nil {
				return errors.Wrapf(err, "routing.rules.%s", hazard)
			}
			if err := check("routing.rules."+hazard+"."+sev, order); err != nil {
				return err
			}
		}
	}
	if err := check("dispatch.confirming_channels", c.Dispatch.ConfirmingChannels); err != nil {
		return err
	}
	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendBolt:
	default:
		return errors.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	for group, members := range c.Contacts.Groups {
		for i, m := range members {
			if strings.TrimSpace(m.Name) == "" {
				return errors.Errorf("contacts.groups.%s[%d]: name is required", group, i)
			}
		}
	}
	return nil
}

// TriageRouting converts the routing sections into the triage engine's routing value.
func (c *Config) TriageRouting() triage.Routing {
	r := triage.Routing{
		DefaultOrder:  append([]string(nil), c.Channels.OrderDefault...),
		OrderByHazard: map[models.Hazard][]string{},
		Rules:         map[models.Hazard]triage.Rule{},
	}
	for hazard, order := range c.Channels.OrderByHazard {
		r.OrderByHazard[hazardKey(hazard)] = append([]string(nil), order...)
	}
	for hazard, rule := range c.Routing.Rules {
		tr := triage.Rule{
			Recipients:       append([]string(nil), rule.Recipients...),
			SeverityChannels: map[models.Severity][]string{},
		}
		for sev, order := range rule.SeverityChannels {
			// Validate has already rejected unknown severities
			s, _ := models.ParseSeverity(sev)
			tr.SeverityChannels[s] = append([]string(nil), order...)
		}
		r.Rules[hazardKey(hazard)] = tr
	}
	return r
}

// Directory returns a copy of the contact directory.
func (c *Config) Directory() recipients.Directory {
	d := recipients.Directory{}
	for group, members := range c.Contacts.Groups {
		d[group] = append([]models.Contact(nil), members...)
	}
	return d
}

// LanguageResolver returns the configured language selection rules.
func (c *Config) LanguageResolver() compose.LanguageResolver {
	r := compose.LanguageResolver{Default: c.Language.Default}
	for _, rule := range c.Language.Rules {
		r.Rules = append(r.Rules, compose.LanguageRule{NameContains: rule.NameContains, Lang: rule.Lang})
	}
	return r
}

func hazardKey(h string) models.Hazard {
	return models.Hazard(strings.ToUpper(strings.TrimSpace(h)))
}

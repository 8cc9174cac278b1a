package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultBrokerURL = "http://localhost:8080"

type Config struct {
	CurrentProfile string              `yaml:"current_profile"`
	Profiles       map[string]*Profile `yaml:"profiles"`
	path           string
}

// Profile is one broker and the inbox credentials saved for it.
type Profile struct {
	BrokerURL string                 `yaml:"broker_url"`
	Inboxes   map[string]*InboxCreds `yaml:"inboxes,omitempty"`
}

// InboxCreds are the tokens returned when an inbox was created.
type InboxCreds struct {
	Name          string `yaml:"name,omitempty"`
	PublicKey     string `yaml:"public_key"`
	PrivateSecret string `yaml:"private_secret,omitempty"`
}

func Default() *Config {
	return &Config{
		CurrentProfile: "default",
		Profiles:       make(map[string]*Profile),
	}
}

func defaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".inboxctl", "config.yaml"), nil
}

func Load(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		p, err := defaultPath()
		if err != nil {
			return nil, err
		}
		cfgFile = p
	}

	cfg := Default()
	cfg.path = cfgFile

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*Profile)
	}

	return cfg, nil
}

// Save writes the config with owner-only permissions; it holds secrets.
func (c *Config) Save() error {
	if c.path == "" {
		p, err := defaultPath()
		if err != nil {
			return err
		}
		c.path = p
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0600)
}

// Profile returns the named profile, or the current one when name is empty.
// A missing profile yields an empty one pointing at DefaultBrokerURL.
func (c *Config) Profile(name string) *Profile {
	if name == "" {
		name = c.CurrentProfile
	}
	p, ok := c.Profiles[name]
	if !ok {
		return &Profile{BrokerURL: DefaultBrokerURL}
	}
	if p.BrokerURL == "" {
		p.BrokerURL = DefaultBrokerURL
	}
	return p
}

// SetBrokerURL points the named profile at url and makes it current.
func (c *Config) SetBrokerURL(profile, url string) error {
	p := c.ensure(profile)
	p.BrokerURL = url
	c.CurrentProfile = profile
	return c.Save()
}

// SaveInbox records the credentials of a newly created inbox.
func (c *Config) SaveInbox(profile, id string, creds *InboxCreds) error {
	p := c.ensure(profile)
	if p.Inboxes == nil {
		p.Inboxes = make(map[string]*InboxCreds)
	}
	p.Inboxes[id] = creds
	return c.Save()
}

// Inbox returns saved credentials for id in the named profile.
func (c *Config) Inbox(profile, id string) (*InboxCreds, error) {
	creds, ok := c.Profile(profile).Inboxes[id]
	if !ok {
		return nil, fmt.Errorf("no saved credentials for inbox '%s'", id)
	}
	return creds, nil
}

// RemoveInbox forgets the credentials for id.
func (c *Config) RemoveInbox(profile, id string) error {
	p := c.Profile(profile)
	if _, ok := p.Inboxes[id]; !ok {
		return fmt.Errorf("no saved credentials for inbox '%s'", id)
	}
	delete(p.Inboxes, id)
	return c.Save()
}

func (c *Config) ensure(profile string) *Profile {
	if profile == "" {
		profile = c.CurrentProfile
	}
	if c.Profiles == nil {
		c.Profiles = make(map[string]*Profile)
	}
	p, ok := c.Profiles[profile]
	if !ok {
		p = &Profile{BrokerURL: DefaultBrokerURL}
		c.Profiles[profile] = p
	}
	return p
}

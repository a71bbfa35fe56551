package ops

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadResolvesConfig(t *testing.T) {
	path := writeConfig(t, `{
		"networks": [
			{"name": "ethereum", "endpoint": "wss://eth.example/ws", "cadenceSeconds": 12},
			{"name": "arbitrum", "endpoint": "wss://arb.example/ws", "pools": ["0xabc"]}
		],
		"bus": {"backend": "memory", "retain": 2048},
		"clients": [
			{"apiKey": "k1", "clientId": "c1", "plan": "pro"},
			{"apiKey": "k2", "clientId": "c2", "plan": "trial", "creditLimit": 100}
		],
		"server": {"addr": ":9000", "metricsAddr": ":9100"}
	}`)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Registry.NetworkCount() != 2 {
		t.Fatalf("networks: %d", loaded.Registry.NetworkCount())
	}
	if !loaded.Registry.HasNetwork("arbitrum") {
		t.Fatal("arbitrum missing")
	}
	if loaded.Server.Addr != ":9000" {
		t.Fatalf("addr: %s", loaded.Server.Addr)
	}
	if loaded.Store != nil {
		t.Fatal("store configured without a store block")
	}

	b, err := loaded.OpenBus()
	if err != nil {
		t.Fatalf("open bus: %v", err)
	}
	defer b.Close()
}

func TestLoadDefaultsBackendAndAddr(t *testing.T) {
	path := writeConfig(t, `{"networks":[{"name":"ethereum","endpoint":"wss://eth.example/ws"}]}`)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Bus.Backend != "memory" {
		t.Fatalf("backend: %s", loaded.Bus.Backend)
	}
	if loaded.Server.Addr != ":8080" {
		t.Fatalf("addr: %s", loaded.Server.Addr)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no networks", `{"networks":[]}`},
		{"missing endpoint", `{"networks":[{"name":"ethereum"}]}`},
		{"unknown backend", `{"networks":[{"name":"e","endpoint":"ws://x"}],"bus":{"backend":"kafka"}}`},
		{"jetstream without url", `{"networks":[{"name":"e","endpoint":"ws://x"}],"bus":{"backend":"jetstream"}}`},
		{"duplicate api key", `{"networks":[{"name":"e","endpoint":"ws://x"}],"clients":[{"apiKey":"k","clientId":"a"},{"apiKey":"k","clientId":"b"}]}`},
		{"client without id", `{"networks":[{"name":"e","endpoint":"ws://x"}],"clients":[{"apiKey":"k"}]}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

package schema

import (
	"encoding/json"
	"testing"
)

func TestParseEventKindWildcard(t *testing.T) {
	k, ok := ParseEventKind("")
	if !ok || k != KindAny {
		t.Fatalf("empty kind: %v %v", k, ok)
	}
	if _, ok := ParseEventKind("mint"); ok {
		t.Fatal("unknown kind accepted")
	}
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	env := NewEnvelope(7, 1234, NormalizedEvent{
		Network:  "ethereum",
		Dex:      DexUniswapV3,
		Kind:     KindSwap,
		Pool:     "0xpool",
		Block:    99,
		TxHash:   "0xt",
		Amount0:  "5",
		Amount1:  "-10",
		Tick:     -3,
		Price:    "1.5",
	})
	if env.Event.DexName != "uniswap-v3" || env.Event.KindName != "swap" {
		t.Fatalf("seal: %s/%s", env.Event.DexName, env.Event.KindName)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded.Event.Restore()
	if decoded.Event.Dex != DexUniswapV3 || decoded.Event.Kind != KindSwap {
		t.Fatalf("restore: %v/%v", decoded.Event.Dex, decoded.Event.Kind)
	}
	if decoded.Sequence != 7 || decoded.Network != "ethereum" {
		t.Fatalf("envelope: %+v", decoded)
	}
}

func TestRegistryValidateFilter(t *testing.T) {
	r := NewRegistry()
	if _, err := r.AddNetwork(Network{Name: "ethereum", Endpoint: "wss://x"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	f, err := r.ValidateFilter("ethereum", "uniswap-v2", "")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if f.Kind != KindAny || f.Dex != DexUniswapV2 {
		t.Fatalf("filter: %+v", f)
	}

	if _, err := r.ValidateFilter("solana", "uniswap-v2", ""); err == nil {
		t.Fatal("unknown network accepted")
	}
	if _, err := r.ValidateFilter("ethereum", "sushi", ""); err == nil {
		t.Fatal("unknown dex accepted")
	}
	if _, err := r.ValidateFilter("ethereum", "uniswap-v2", "mint"); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestRegistryDefaultsAndDuplicates(t *testing.T) {
	r := NewRegistry()
	id, err := r.AddNetwork(Network{Name: "ethereum", Endpoint: "wss://x"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	n, ok := r.Network(id)
	if !ok || n.ExpectedCadenceSeconds != 12 {
		t.Fatalf("cadence default: %+v", n)
	}

	if _, err := r.AddNetwork(Network{Name: "ethereum", Endpoint: "wss://y"}); err == nil {
		t.Fatal("duplicate accepted")
	}
	if _, err := r.AddNetwork(Network{Name: "base"}); err == nil {
		t.Fatal("missing endpoint accepted")
	}
}

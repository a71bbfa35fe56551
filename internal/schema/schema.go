package schema

// SchemaVersion is the current envelope schema version.
const SchemaVersion uint16 = 1

// DexKind identifies the pool family an event originates from.
type DexKind uint8

const (
	DexUnknown DexKind = iota
	DexUniswapV2
	DexUniswapV3
)

const (
	dexUniswapV2Name = "uniswap-v2"
	dexUniswapV3Name = "uniswap-v3"
)

// String returns the wire name of the dex kind.
func (d DexKind) String() string {
	switch d {
	case DexUniswapV2:
		return dexUniswapV2Name
	case DexUniswapV3:
		return dexUniswapV3Name
	default:
		return "unknown"
	}
}

// ParseDexKind maps a wire name to a DexKind.
func ParseDexKind(name string) (DexKind, bool) {
	switch name {
	case dexUniswapV2Name:
		return DexUniswapV2, true
	case dexUniswapV3Name:
		return DexUniswapV3, true
	default:
		return DexUnknown, false
	}
}

// EventKind identifies the chain-level notification type.
type EventKind uint8

const (
	// KindAny matches every event kind in a subscription filter.
	KindAny EventKind = iota
	KindSync
	KindSwap
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindSwap:
		return "swap"
	default:
		return ""
	}
}

// ParseEventKind maps a wire name to an EventKind.
// The empty string is the wildcard and is always valid.
func ParseEventKind(name string) (EventKind, bool) {
	switch name {
	case "":
		return KindAny, true
	case "sync":
		return KindSync, true
	case "swap":
		return KindSwap, true
	default:
		return KindAny, false
	}
}

// NormalizedEvent is the canonical record built from a raw chain
// notification. Numeric fields are decimal strings; which fields are
// set depends on Kind.
type NormalizedEvent struct {
	Network  string    `json:"network"`
	Dex      DexKind   `json:"-"`
	Kind     EventKind `json:"-"`
	DexName  string    `json:"dex"`
	KindName string    `json:"kind"`
	Pool     string    `json:"pool"`
	Block    uint64    `json:"block"`
	TxHash   string    `json:"txHash"`

	// uniswap-v2 sync fields.
	Reserve0 string `json:"reserve0,omitempty"`
	Reserve1 string `json:"reserve1,omitempty"`

	// uniswap-v3 swap fields.
	Amount0      string `json:"amount0,omitempty"`
	Amount1      string `json:"amount1,omitempty"`
	SqrtPriceX96 string `json:"sqrtPriceX96,omitempty"`
	Liquidity    string `json:"liquidity,omitempty"`
	Tick         int32  `json:"tick,omitempty"`

	// Price is the synthesized pool price (token1 per token0), filled
	// by the aggregator before fan-out. Empty on the bus.
	Price string `json:"price,omitempty"`
}

// Seal fills the derived wire-name fields from Dex and Kind.
func (e *NormalizedEvent) Seal() {
	e.DexName = e.Dex.String()
	e.KindName = e.Kind.String()
}

// Restore rebuilds Dex and Kind after decoding from the wire.
func (e *NormalizedEvent) Restore() {
	if d, ok := ParseDexKind(e.DexName); ok {
		e.Dex = d
	}
	if k, ok := ParseEventKind(e.KindName); ok {
		e.Kind = k
	}
}

// Envelope is the bus entry: a normalized event plus its partition
// ordering metadata. Written once, never mutated.
type Envelope struct {
	Version  uint16          `json:"version"`
	Network  string          `json:"network"`
	Sequence uint64          `json:"sequence"`
	IngestTs int64           `json:"ingestTs"`
	Event    NormalizedEvent `json:"event"`
}

// NewEnvelope builds an envelope with the current schema version.
func NewEnvelope(seq uint64, ingestTs int64, event NormalizedEvent) Envelope {
	event.Seal()
	return Envelope{
		Version:  SchemaVersion,
		Network:  event.Network,
		Sequence: seq,
		IngestTs: ingestTs,
		Event:    event,
	}
}

// Filter is the subscription tuple a session requests. Kind may be
// KindAny to match every event kind for the (network, dex) pair.
type Filter struct {
	Network string
	Dex     DexKind
	Kind    EventKind
}

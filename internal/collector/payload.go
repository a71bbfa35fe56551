package collector

import (
	"encoding/json"
	"math/big"
	"strings"

	"dexrelay/internal/schema"
	"dexrelay/pkg/exception"

	"github.com/yanun0323/errors"
)

// JSON-RPC payloads for EVM websocket log subscriptions.

const (
	// topicSyncV2 is keccak256("Sync(uint112,uint112)"), the uniswap-v2
	// reserve update.
	topicSyncV2 = "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"
	// topicSwapV3 is
	// keccak256("Swap(address,address,int256,int256,uint160,uint128,int24)"),
	// the uniswap-v3 trade.
	topicSwapV3 = "0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcMessage covers both request replies (ID+Result/Error) and
// eth_subscription notifications (Method+Params).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	Method  string          `json:"method"`
	Params  *struct {
		Subscription string    `json:"subscription"`
		Result       logRecord `json:"result"`
	} `json:"params"`
}

// logRecord is the raw log notification payload.
type logRecord struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	Removed     bool     `json:"removed"`
}

// logFilter is the eth_subscribe criteria. Re-applied verbatim on every
// reconnect so the subscription scope never silently narrows.
type logFilter struct {
	Address []string   `json:"address,omitempty"`
	Topics  [][]string `json:"topics"`
}

func subscribeTopics(kinds []schema.EventKind) []string {
	if len(kinds) == 0 {
		return []string{topicSyncV2, topicSwapV3}
	}
	topics := make([]string, 0, len(kinds))
	for _, k := range kinds {
		switch k {
		case schema.KindSync:
			topics = append(topics, topicSyncV2)
		case schema.KindSwap:
			topics = append(topics, topicSwapV3)
		}
	}
	if len(topics) == 0 {
		return []string{topicSyncV2, topicSwapV3}
	}
	return topics
}

// normalizeLog validates a raw log and builds the canonical event.
func normalizeLog(network string, rec logRecord) (schema.NormalizedEvent, error) {
	if rec.Removed {
		return schema.NormalizedEvent{}, errors.Wrap(exception.ErrBadNotification, "reorged log")
	}
	if len(rec.Topics) == 0 {
		return schema.NormalizedEvent{}, errors.Wrap(exception.ErrBadNotification, "missing topics")
	}
	block, err := parseHexUint64(rec.BlockNumber)
	if err != nil {
		return schema.NormalizedEvent{}, errors.Wrap(exception.ErrBadNotification, "bad block number")
	}

	ev := schema.NormalizedEvent{
		Network: network,
		Pool:    strings.ToLower(rec.Address),
		Block:   block,
		TxHash:  rec.TxHash,
	}

	switch rec.Topics[0] {
	case topicSyncV2:
		words, err := dataWords(rec.Data, 2)
		if err != nil {
			return schema.NormalizedEvent{}, err
		}
		ev.Dex = schema.DexUniswapV2
		ev.Kind = schema.KindSync
		ev.Reserve0 = words[0].String()
		ev.Reserve1 = words[1].String()
	case topicSwapV3:
		words, err := dataWords(rec.Data, 5)
		if err != nil {
			return schema.NormalizedEvent{}, err
		}
		ev.Dex = schema.DexUniswapV3
		ev.Kind = schema.KindSwap
		ev.Amount0 = toSigned(words[0]).String()
		ev.Amount1 = toSigned(words[1]).String()
		ev.SqrtPriceX96 = words[2].String()
		ev.Liquidity = words[3].String()
		tick := toSigned(words[4])
		// The tick is an int24 on chain; anything wider is a corrupt word.
		if !tick.IsInt64() || tick.Int64() < minTick || tick.Int64() > maxTick {
			return schema.NormalizedEvent{}, errors.Wrap(exception.ErrBadNotification, "tick out of range")
		}
		ev.Tick = int32(tick.Int64())
	default:
		return schema.NormalizedEvent{}, errors.Wrap(exception.ErrBadNotification, "unrecognized event signature")
	}

	ev.Seal()
	return ev, nil
}

const (
	wordHexLen = 64

	minTick = -1 << 23
	maxTick = 1<<23 - 1
)

// dataWords splits the 0x-prefixed ABI data blob into 32-byte words.
func dataWords(data string, want int) ([]*big.Int, error) {
	hexStr := strings.TrimPrefix(data, "0x")
	if len(hexStr) < want*wordHexLen {
		return nil, errors.Wrap(exception.ErrBadNotification, "short data blob")
	}
	words := make([]*big.Int, want)
	for i := 0; i < want; i++ {
		w, ok := new(big.Int).SetString(hexStr[i*wordHexLen:(i+1)*wordHexLen], 16)
		if !ok {
			return nil, errors.Wrap(exception.ErrBadNotification, "bad data word")
		}
		words[i] = w
	}
	return words, nil
}

var wordModulus = new(big.Int).Lsh(big.NewInt(1), 256)

// toSigned reinterprets a 256-bit word as a two's-complement integer.
func toSigned(w *big.Int) *big.Int {
	if w.Bit(255) == 0 {
		return w
	}
	return new(big.Int).Sub(w, wordModulus)
}

func parseHexUint64(s string) (uint64, error) {
	hexStr := strings.TrimPrefix(s, "0x")
	if hexStr == "" {
		return 0, exception.ErrBadNotification
	}
	v, ok := new(big.Int).SetString(hexStr, 16)
	if !ok || !v.IsUint64() {
		return 0, exception.ErrBadNotification
	}
	return v.Uint64(), nil
}

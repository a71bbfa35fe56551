// feedsim is a synthetic EVM log feed for local development: it speaks
// just enough of the eth_subscribe websocket protocol for a collector
// to connect, subscribe, and stream generated Sync/Swap logs.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

const (
	topicSync = "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1"
	topicSwap = "0xc42079f94a6350d7e6235f29174924f928cc2ac818eb64fed8004e115fbcca67"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
}

func main() {
	if err := run(); err != nil {
		logs.Errorf("feedsim: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", ":8545", "listen address")
	interval := flag.Duration("interval", time.Second, "delay between generated logs")
	pools := flag.String("pools", "0xaaa,0xbbb", "comma-separated pool addresses to emit for")
	swapRatio := flag.Int("swap-ratio", 4, "emit one v3 swap per N v2 syncs")
	flag.Parse()

	poolList := strings.Split(*pools, ",")
	if len(poolList) == 0 {
		return fmt.Errorf("no pools")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		logs.Infof("feedsim: collector connected from %s", r.RemoteAddr)
		serveFeed(ctx, conn, poolList, *interval, *swapRatio)
	})

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logs.Infof("feedsim: listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func serveFeed(ctx context.Context, conn *websocket.Conn, pools []string, interval time.Duration, swapRatio int) {
	var req rpcRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if req.Method != "eth_subscribe" {
		_ = conn.WriteMessage(websocket.TextMessage,
			fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"unsupported method"}}`, req.ID))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage,
		fmt.Appendf(nil, `{"jsonrpc":"2.0","id":%d,"result":"0xfeedsim"}`, req.ID)); err != nil {
		return
	}

	// Discard pings and further requests in the background.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reserve0 := int64(1_000_000)
	reserve1 := int64(2_000_000)
	block := uint64(19_000_000)
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		block++
		count++
		pool := pools[count%len(pools)]

		var frame string
		if swapRatio > 0 && count%swapRatio == 0 {
			frame = swapFrame(pool, block, count)
		} else {
			reserve0 += rand.Int63n(2001) - 1000
			reserve1 += rand.Int63n(4001) - 2000
			frame = syncFrame(pool, block, count, reserve0, reserve1)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
}

func syncFrame(pool string, block uint64, n int, reserve0, reserve1 int64) string {
	data := "0x" + word(big.NewInt(reserve0)) + word(big.NewInt(reserve1))
	return notification(pool, topicSync, data, block, n)
}

func swapFrame(pool string, block uint64, n int) string {
	sqrt := new(big.Int).Lsh(big.NewInt(1), 96)
	sqrt.Add(sqrt, big.NewInt(rand.Int63n(1<<40)))
	data := "0x" +
		word(big.NewInt(int64(1000+n))) +
		word(new(big.Int).Neg(big.NewInt(int64(2000+n)))) +
		word(sqrt) +
		word(big.NewInt(500_000)) +
		word(big.NewInt(int64(rand.Intn(2000)-1000)))
	return notification(pool, topicSwap, data, block, n)
}

func notification(pool, topic, data string, block uint64, n int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xfeedsim","result":{"address":"%s","topics":["%s"],"data":"%s","blockNumber":"0x%x","transactionHash":"0xsim%d"}}}`,
		pool, topic, data, block, n)
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

func word(v *big.Int) string {
	if v.Sign() < 0 {
		v = new(big.Int).Add(two256, v)
	}
	return fmt.Sprintf("%064x", v)
}

package aggregator

import (
	"math/big"
	"testing"

	"dexrelay/internal/schema"
)

func TestSyncRatio(t *testing.T) {
	got, err := syncRatio("100", "200")
	if err != nil {
		t.Fatalf("syncRatio: %v", err)
	}
	if got != "2" {
		t.Fatalf("ratio: %s", got)
	}

	got, err = syncRatio("3", "1")
	if err != nil {
		t.Fatalf("syncRatio: %v", err)
	}
	if got != "0.3333333333333333" && got != "0.333333333333333333" {
		t.Fatalf("ratio: %s", got)
	}
}

func TestSyncRatioRejectsEmptyPool(t *testing.T) {
	if _, err := syncRatio("0", "200"); err == nil {
		t.Fatal("expected error for zero reserve0")
	}
	if _, err := syncRatio("abc", "200"); err == nil {
		t.Fatal("expected error for malformed reserve0")
	}
}

func TestSwapPrice(t *testing.T) {
	one := new(big.Int).Lsh(big.NewInt(1), 96)
	got, err := swapPrice(one.String())
	if err != nil {
		t.Fatalf("swapPrice: %v", err)
	}
	if got != "1" {
		t.Fatalf("price at 2^96: %s", got)
	}

	two := new(big.Int).Lsh(big.NewInt(1), 97)
	got, err = swapPrice(two.String())
	if err != nil {
		t.Fatalf("swapPrice: %v", err)
	}
	if got != "4" {
		t.Fatalf("price at 2^97: %s", got)
	}
}

func TestSwapPriceRejectsBadInput(t *testing.T) {
	if _, err := swapPrice("0"); err == nil {
		t.Fatal("expected error for zero sqrtPrice")
	}
	if _, err := swapPrice("not-a-number"); err == nil {
		t.Fatal("expected error for malformed sqrtPrice")
	}
}

func TestSynthesizeDispatchesOnKind(t *testing.T) {
	ev := schema.NormalizedEvent{Kind: schema.KindSync, Reserve0: "10", Reserve1: "50"}
	got, err := synthesize(ev)
	if err != nil || got != "5" {
		t.Fatalf("sync: %s, %v", got, err)
	}

	if _, err := synthesize(schema.NormalizedEvent{Kind: schema.KindAny}); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

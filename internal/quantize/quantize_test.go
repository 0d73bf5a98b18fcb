package quantize

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestQuantizeRoundsDownToStep(t *testing.T) {
	t.Parallel()
	c := NewCache("https://example.invalid")
	c.SetRule(Rule{
		TradingPair: "BTC-USD",
		TickSize:    decimal.NewFromFloat(0.5),
		LotStep:     decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromFloat(10),
	})

	price, amount, err := c.Quantize("BTC-USD", decimal.NewFromFloat(50000.37), decimal.NewFromFloat(0.1239))
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(50000)) {
		t.Errorf("price = %s, want 50000 (floored to 0.5 tick)", price)
	}
	if !amount.Equal(decimal.NewFromFloat(0.123)) {
		t.Errorf("amount = %s, want 0.123 (floored to 0.001 lot)", amount)
	}
}

func TestQuantizeRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	c := NewCache("https://example.invalid")
	c.SetRule(Rule{
		TradingPair: "BTC-USD",
		TickSize:    decimal.NewFromFloat(0.5),
		LotStep:     decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromFloat(10),
	})

	_, _, err := c.Quantize("BTC-USD", decimal.NewFromFloat(50000), decimal.NewFromFloat(0.0001))
	if err != ErrBelowMinNotional {
		t.Fatalf("err = %v, want ErrBelowMinNotional", err)
	}
}

func TestQuantizeUnknownPair(t *testing.T) {
	t.Parallel()
	c := NewCache("https://example.invalid")
	_, _, err := c.Quantize("NOPE-USD", decimal.NewFromFloat(1), decimal.NewFromFloat(1))
	if err == nil {
		t.Fatal("expected error for unknown trading pair")
	}
}

func TestQuantizeZeroStepIsNoOp(t *testing.T) {
	t.Parallel()
	c := NewCache("https://example.invalid")
	c.SetRule(Rule{TradingPair: "X-Y", TickSize: decimal.Zero, LotStep: decimal.Zero, MinNotional: decimal.Zero})

	price, amount, err := c.Quantize("X-Y", decimal.NewFromFloat(1.23456), decimal.NewFromFloat(7.891))
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	if !price.Equal(decimal.NewFromFloat(1.23456)) {
		t.Errorf("price changed with zero tick size: %s", price)
	}
	if !amount.Equal(decimal.NewFromFloat(7.891)) {
		t.Errorf("amount changed with zero lot step: %s", amount)
	}
}

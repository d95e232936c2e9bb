package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyBpsBankersRounding(t *testing.T) {
	tests := []struct {
		amount int64
		bps    int
		want   int64
	}{
		{amount: 1000, bps: 800, want: 80},
		{amount: 1000, bps: 1000, want: 100},
		{amount: 25, bps: 1000, want: 2}, // 2.5 rounds to even
		{amount: 35, bps: 1000, want: 4}, // 3.5 rounds to even
		{amount: 15, bps: 1000, want: 2}, // 1.5 rounds to even
		{amount: 0, bps: 1500, want: 0},
	}
	for _, tt := range tests {
		if got := ApplyBps(tt.amount, tt.bps); got != tt.want {
			t.Fatalf("ApplyBps(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
		}
	}
}

func TestApplyPercent(t *testing.T) {
	if got := ApplyPercent(10000, decimal.RequireFromString("2.5")); got != 250 {
		t.Fatalf("expected 250, got %d", got)
	}
	if got := ApplyPercent(50, decimal.RequireFromString("1")); got != 0 {
		t.Fatalf("0.5 should round to even 0, got %d", got)
	}
}

func TestClampNonNegative(t *testing.T) {
	if !ClampNonNegative(decimal.NewFromInt(-1)).IsZero() {
		t.Fatalf("expected zero")
	}
	if !ClampNonNegative(decimal.NewFromInt(3)).Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected value kept")
	}
}

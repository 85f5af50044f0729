package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one credit", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"empty is zero", "", 0},
		{"full precision", "0.123456", 123_456},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) failed", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{"-1.00", "1.2.3", "abc", "1,50", "0.1234567", "90.12345678"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{1_000_000, "1.000000"},
		{1, "0.000001"},
		{90_000_000, "90.000000"},
		{88_200_000, "88.200000"},
		{0, "0.000000"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.input)); got != tt.expected {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1.000000", "0.000001", "12345.678901"} {
		parsed, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(parsed); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestApplyBps(t *testing.T) {
	// 200 bps of 90.000000 = 1.800000
	amount, _ := Parse("90.00")
	fee := ApplyBps(amount, 200)
	if got := Format(fee); got != "1.800000" {
		t.Errorf("fee = %s, want 1.800000", got)
	}

	// Flooring: 250 bps of 0.000001 floors to zero.
	tiny := big.NewInt(1)
	if fee := ApplyBps(tiny, 250); fee.Sign() != 0 {
		t.Errorf("expected floored fee of 0, got %s", fee)
	}

	if fee := ApplyBps(nil, 200); fee.Sign() != 0 {
		t.Errorf("nil amount should yield zero fee")
	}
	if fee := ApplyBps(amount, 0); fee.Sign() != 0 {
		t.Errorf("zero bps should yield zero fee")
	}
}

func TestConvert(t *testing.T) {
	// 10.000000 at rate 1.500000 = 15.000000
	amount, _ := Parse("10.00")
	rate, _ := Parse("1.50")
	if got := Format(Convert(amount, rate)); got != "15.000000" {
		t.Errorf("Convert = %s, want 15.000000", got)
	}

	// Flooring on odd division.
	amount = big.NewInt(1)
	rate, _ = Parse("0.50")
	if got := Convert(amount, rate); got.Sign() != 0 {
		t.Errorf("Convert should floor to zero, got %s", got)
	}
}

func TestMin(t *testing.T) {
	a := big.NewInt(5)
	b := big.NewInt(7)
	if Min(a, b).Int64() != 5 || Min(b, a).Int64() != 5 {
		t.Error("Min picked wrong operand")
	}
	// Result must be a copy.
	m := Min(a, b)
	m.SetInt64(99)
	if a.Int64() != 5 {
		t.Error("Min must not alias its inputs")
	}
}

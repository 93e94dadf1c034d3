package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoney_DivRound(t *testing.T) {
	tests := []struct {
		name     string
		m        string
		d        string
		scale    int32
		expected string
	}{
		{name: "exact", m: "10", d: "4", scale: 2, expected: "2.5"},
		{name: "half to even down", m: "1", d: "8", scale: 2, expected: "0.12"},  // 0.125
		{name: "half to even up", m: "3", d: "8", scale: 2, expected: "0.38"},    // 0.375
		{name: "above half", m: "2", d: "3", scale: 4, expected: "0.6667"},       // 0.66666
		{name: "below half", m: "1", d: "3", scale: 4, expected: "0.3333"},       // 0.33333
		{name: "negative half to even", m: "-1", d: "8", scale: 2, expected: "-0.12"},
		{name: "negative half odd", m: "-3", d: "8", scale: 2, expected: "-0.38"},
		{name: "negative divisor", m: "2", d: "-3", scale: 2, expected: "-0.67"},
		{name: "integer half even", m: "5", d: "2", scale: 0, expected: "2"},
		{name: "integer half odd", m: "7", d: "2", scale: 0, expected: "4"},
		{name: "large scale", m: "1", d: "7", scale: 18, expected: "0.142857142857142857"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MustMoney(tt.m).DivRound(MustMoney(tt.d), tt.scale)
			assert.True(t, MustMoney(tt.expected).Equal(got), "expected %s, got %s", tt.expected, got)
		})
	}
}

func TestMoney_QuantizeBankers(t *testing.T) {
	assert.Equal(t, "0.12", MustMoney("0.125").Quantize(2).String())
	assert.Equal(t, "0.14", MustMoney("0.135").Quantize(2).String())
	assert.Equal(t, "1.23", MustMoney("1.2345").Truncate(2).String())
	assert.True(t, MustMoney("1.50").HasScale(1))
	assert.False(t, MustMoney("1.55").HasScale(1))
}

func TestMoney_JSON(t *testing.T) {
	in := struct {
		Amount Money `json:"amount"`
	}{Amount: MustMoney("12345678901234567890.123456789012345678")}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12345678901234567890.123456789012345678"}`, string(raw))

	var out struct {
		Amount Money `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount": 1.5}`), &out))
	assert.True(t, MustMoney("1.5").Equal(out.Amount))
}

func TestMoney_CompareIgnoresTrailingZeros(t *testing.T) {
	a, b := MustMoney("1.50"), MustMoney("1.5")
	assert.Equal(t, 0, a.Cmp(b))
	assert.True(t, a.Equal(b))
	assert.Equal(t, "1.5", a.String())
	assert.Equal(t, -1, b.Cmp(MustMoney("2")))
	assert.True(t, b.Sub(MustMoney("2")).IsNegative())
	assert.Equal(t, "0.5", b.Sub(MustMoney("2")).Abs().String())
	assert.Equal(t, "-3", b.Mul(MustMoney("2")).Neg().String())
}

func TestSum(t *testing.T) {
	assert.True(t, Sum().IsZero())
	assert.True(t, MustMoney("0.3").Equal(Sum(MustMoney("0.1"), MustMoney("0.2"))))
}

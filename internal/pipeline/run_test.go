package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToFloat(t *testing.T) {
	tests := []struct {
		in     interface{}
		want   float64
		wantOK bool
	}{
		{in: float64(42), want: 42, wantOK: true},
		{in: 7, want: 7, wantOK: true},
		{in: "$50,000", want: 50000, wantOK: true},
		{in: "82/100", want: 82, wantOK: true},
		{in: "85%", want: 85, wantOK: true},
		{in: "-12.5 points", want: -12.5, wantOK: true},
		{in: "unknown", wantOK: false},
		{in: nil, wantOK: false},
		{in: true, wantOK: false},
	}
	for _, tt := range tests {
		got, ok := ToFloat(tt.in)
		assert.Equal(t, tt.wantOK, ok, "%v", tt.in)
		if tt.wantOK {
			assert.Equal(t, tt.want, got, "%v", tt.in)
		}
	}
}

func TestToStrings(t *testing.T) {
	assert.Equal(t, []string{"a.com", "b.com", "c.com"}, ToStrings("a.com, b.com\nc.com,,"))
	assert.Equal(t, []string{"x", "2"}, ToStrings([]interface{}{"x", float64(2), ""}))
	assert.Nil(t, ToStrings(nil))
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"2025-07-01", "2025-07-01T00:00:00Z", "2025/07/01", "07/01/2025", "Jul 1, 2025", "1751328000000"} {
		got, ok := ParseDate(in)
		assert.True(t, ok, in)
		assert.Equal(t, "2025-07-01", got.UTC().Format("2006-01-02"), in)
	}
	_, ok := ParseDate("next quarter")
	assert.False(t, ok)
}

func TestRun_DaysUntil(t *testing.T) {
	now := time.Date(2025, time.June, 2, 9, 0, 0, 0, time.UTC)
	r := newRun("r", &Agent{}, map[string]interface{}{"renewal_date": "2025-06-22", "bad": "soon"}, now)

	days, ok := r.DaysUntil("renewal_date")
	assert.True(t, ok)
	assert.Equal(t, 19, days)

	_, ok = r.DaysUntil("bad")
	assert.False(t, ok)
}

func TestDomain(t *testing.T) {
	assert.Equal(t, "acme.com", Domain("https://www.Acme.com/about?x=1"))
	assert.Equal(t, "acme.io", Domain(" acme.io "))
}

func TestMoneyAndTruncate(t *testing.T) {
	assert.Equal(t, "$1,234,567", Money(1234567))
	assert.Equal(t, "$950", Money(950))
	assert.Equal(t, "-$12,000", Money(-12000))

	assert.Equal(t, "héll", Truncate("héllo", 4))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.True(t, ContainsAny("New VP of Sales", "cfo", "vp"))
}

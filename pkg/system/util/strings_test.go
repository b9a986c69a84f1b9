package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tcs := []struct {
		in  string
		out string
	}{
		{in: "", out: ""},
		{in: "foo", out: "foo"},
		{in: "foo bar", out: "foo_bar"},
		{in: "foo\\", out: "foo_"},
		{in: "foo234", out: "foo234"},
		{in: "foo$", out: "foo_"},
		{in: "foo\"bar", out: "foo_bar"},
		{in: "foo\x00bar", out: "foo"},
		{in: "foo!§$%&/()=?`'bar", out: "foo_____________bar"},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.out, Sanitize(tc.in), "in=%q", tc.in)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{"", "foo", "foo bar", "a)b(c", "x\x00y", "tab\tnl\n", "日本語"}
	for _, in := range inputs {
		once := Sanitize(in)
		require.Equal(t, once, Sanitize(once), "in=%q", in)
	}
}

func TestSanitize_Alphabet(t *testing.T) {
	// Throw every byte value at it; the output may only contain [A-Za-z0-9_.-].
	raw := make([]byte, 0, 255)
	for c := 1; c <= 255; c++ {
		raw = append(raw, byte(c))
	}
	out := Sanitize(string(raw))
	for i := 0; i < len(out); i++ {
		assert.True(t, safeByte(out[i]), "byte %#x at %d", out[i], i)
	}
}

func TestFixTruncatedUTF8(t *testing.T) {
	// From https://gist.github.com/w-vi/67fe49106c62421992a2
	str := "___😀∮ E⋅da = Q,  n → ∞, 𐍈∑ f(i) = ∏ g(i)"
	// a range loop would split at runes - we *want* broken utf8 so use a raw
	// byte counter.
	for i := 3; i < len(str); i++ {
		truncated := str[:i]
		fixed := FixTruncatedUTF8(truncated)
		if len(fixed) < 3 {
			t.Fatalf("truncated: %q", fixed)
		}
		if !utf8.Valid([]byte(fixed)) {
			t.Errorf("invalid utf8: %q", fixed)
		}
		if len(truncated)-len(fixed) > 3 {
			t.Errorf("dropped more than 3 bytes: in=%q out=%q", truncated, fixed)
		}
	}
}

func TestFixTruncatedUTF8_ValidInputUnchanged(t *testing.T) {
	for _, s := range []string{"", "a", "abc", "日本語", "Grüße"} {
		assert.Equal(t, s, FixTruncatedUTF8(s))
	}
}

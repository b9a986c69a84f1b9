package util

// Process names and command lines come out of /proc as raw bytes: they may
// contain shell metacharacters, NULs, or a multi-byte rune cut in half by the
// kernel's 16-byte comm limit. Everything user-visible goes through here first.

// safeByte reports whether c may appear in a sanitised string.
func safeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '-':
		return true
	}
	return false
}

// Sanitize replaces every byte outside [A-Za-z0-9_.-] with '_' and cuts the
// string at the first NUL. The result is safe to pass as a shell argument.
// Sanitize is idempotent.
func Sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == 0 {
			break
		}
		if !safeByte(c) {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

// FixTruncatedUTF8 drops an incomplete multi-byte UTF-8 sequence from the end
// of s. At most 3 bytes are removed; the remainder is returned unchanged, so
// a valid input passes through as-is.
func FixTruncatedUTF8(s string) string {
	// Find the start of the last rune: a byte that is not a continuation
	// byte (0b10xxxxxx), at most 3 positions from the end.
	for i := 1; i <= 3 && i <= len(s); i++ {
		c := s[len(s)-i]
		if c&0xc0 != 0x80 {
			// c starts a multi-byte sequence of expectLen bytes. If fewer
			// than that remain, the sequence was cut off.
			var expectLen int
			switch {
			case c&0x80 == 0:
				expectLen = 1
			case c&0xe0 == 0xc0:
				expectLen = 2
			case c&0xf0 == 0xe0:
				expectLen = 3
			case c&0xf8 == 0xf0:
				expectLen = 4
			default:
				// Not a legal start byte; leave it alone.
				return s
			}
			if expectLen > i {
				return s[:len(s)-i]
			}
			return s
		}
	}
	return s
}

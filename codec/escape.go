package codec

const hexDigits = "0123456789ABCDEF"

func reserved(b byte) bool {
	switch b {
	case '\r', '\n', '=', '&', '%', '?', ';', ':':
		return true
	}
	return false
}

func appendEscaped(dst, src []byte) []byte {
	for _, b := range src {
		if reserved(b) {
			dst = append(dst, '%', hexDigits[b>>4], hexDigits[b&0x0f])
			continue
		}
		dst = append(dst, b)
	}
	return dst
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// unescape always returns a non-nil slice. Malformed escapes are kept
// literally.
func unescape(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		if src[i] == '%' && i+2 < len(src) {
			hi, ok1 := unhex(src[i+1])
			lo, ok2 := unhex(src[i+2])
			if ok1 && ok2 {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, src[i])
	}
	return out
}

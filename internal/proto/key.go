package proto

import "fmt"

// escapedKeyBytes are the values a key may not contain literally; they are
// sent as /%DCNnnn%/ with the decimal value zero-padded to three digits.
var escapedKeyBytes = map[byte]bool{
	0: true, 5: true, 36: true, 96: true, 124: true, 126: true,
}

// DeriveKey transforms a lock challenge into its key response. The result
// must match the other side's expectation byte for byte; a wrong key is not
// reported, the hub simply drops the connection.
func DeriveKey(lock []byte) string {
	if len(lock) < 2 {
		return ""
	}
	key := make([]byte, len(lock))
	for i := 1; i < len(lock); i++ {
		key[i] = lock[i] ^ lock[i-1]
	}
	key[0] = lock[0] ^ lock[len(lock)-1] ^ lock[len(lock)-2] ^ 5

	out := make([]byte, 0, len(key))
	for _, b := range key {
		b = b<<4 | b>>4
		if escapedKeyBytes[b] {
			out = append(out, []byte(fmt.Sprintf("/%%DCN%03d%%/", b))...)
		} else {
			out = append(out, b)
		}
	}
	return string(out)
}

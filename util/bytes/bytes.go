package bytesutil

// Compact moves rest to the front of buf and returns the shortened buf.
// rest may alias buf, in which case the move is done in place.
func Compact(buf, rest []byte) []byte {
	if len(rest) > cap(buf) {
		return append([]byte(nil), rest...)
	}
	n := copy(buf[:cap(buf)], rest)
	return buf[:n]
}

// Take splits off up to n bytes from the front of src.
// Both results alias src.
func Take(src []byte, n int) (taken, rest []byte) {
	if n > len(src) {
		n = len(src)
	}
	return src[:n], src[n:]
}

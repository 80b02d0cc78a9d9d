package cryptocore

// canonicalSeparator is the single fixed separator used by Canonical. Both
// sides of a signature must compute this identically, so it is never
// configurable.
const canonicalSeparator = 0x1F

// Canonical builds the exact byte sequence that every signed event body
// signs and verifies over:
//
//	UTF-8(senderHandle || 0x1F || body || (0x1F || messageID)?)
//
// messageID is omitted entirely (not even an empty separator) when absent,
// per the canonical signature payload scheme.
func Canonical(senderHandle, body, messageID string) []byte {
	n := len(senderHandle) + 1 + len(body)
	if messageID != "" {
		n += 1 + len(messageID)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, senderHandle...)
	buf = append(buf, canonicalSeparator)
	buf = append(buf, body...)
	if messageID != "" {
		buf = append(buf, canonicalSeparator)
		buf = append(buf, messageID...)
	}
	return buf
}

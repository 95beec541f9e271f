package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Fingerprint derives the stable device identifier from the user agent and
// the accept-* headers, truncated to hexLength hex characters. The same
// browser on the same machine produces the same value across requests;
// raw header values are never persisted.
func Fingerprint(userAgent string, headers http.Header, hexLength int) string {
	var b strings.Builder
	b.WriteString(userAgent)
	for _, name := range []string{"Accept-Language", "Accept-Encoding", "Accept"} {
		b.WriteByte(0)
		if headers != nil {
			b.WriteString(headers.Get(name))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	full := hex.EncodeToString(sum[:])
	if hexLength <= 0 || hexLength > len(full) {
		hexLength = 32
	}
	return full[:hexLength]
}

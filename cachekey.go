package querygate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// NormalizeQueryText collapses whitespace runs and lower-cases sql.
// Literal text is folded too, so 'A' and 'a' produce the same key.
func NormalizeQueryText(sql string) string {
	return strings.ToLower(strings.Join(strings.Fields(sql), " "))
}

// CanonicalParams renders params as JSON with map keys sorted at every
// level. Nil and empty maps render identically. Values JSON cannot encode
// yield ErrUnhashableParams.
func CanonicalParams(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnhashableParams, err)
	}
	return b, nil
}

// QueryHash is the content address of a query and its parameters.
func QueryHash(sql string, params map[string]any) (string, error) {
	p, err := CanonicalParams(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(NormalizeQueryText(sql)))
	h.Write([]byte{0})
	h.Write(p)
	return hex.EncodeToString(h.Sum(nil)), nil
}

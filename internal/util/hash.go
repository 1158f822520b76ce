package util

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ArgsHash produces a deterministic 12-hex-char digest of tool arguments.
// Traces store this hash instead of the raw args so secrets embedded in
// arguments never reach persistence.
func ArgsHash(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		raw, err := json.Marshal(args[k])
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", args[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
		b.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:12]
}

// Package idempotency derives deterministic keys for side-effecting operations.
//
// A key identifies an operation type applied to a subject (for example
// "outbound.send" for a connector/proposal pair). Redelivered work computes
// the same key and finds the record written by the earlier attempt.
package idempotency

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Key hashes op and parts into a stable hex string. Parts are rendered with
// their canonical string form and joined with "|".
func Key(op string, parts ...any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, p := range parts {
		b.WriteByte('|')
		b.WriteString(render(p))
	}
	return op + ":" + strconv.FormatUint(xxhash.Sum64String(b.String()), 16)
}

func render(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case uuid.UUID:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

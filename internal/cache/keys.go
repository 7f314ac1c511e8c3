package cache

import (
	"fmt"

	"github.com/kiranshivaraju/probehub/internal/partition"
)

// IdempotencyKey scopes a client-supplied Idempotency-Key to the caller's partition.
func IdempotencyKey(loc partition.Locator, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", loc, key)
}

// SubmitQuotaKey is the per-partition submission counter for the given window.
func SubmitQuotaKey(loc partition.Locator, window int64) string {
	return fmt.Sprintf("quota:submit:%s:%d", loc, window)
}

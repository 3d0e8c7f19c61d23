package xid

import (
	"fmt"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Document formats a human facing document number such as SALE-2026-000042.
func Document(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, year, seq)
}

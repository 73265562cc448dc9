package storage

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ledgerFilePragmas keeps the claim ledger in WAL mode so settlement writes
// from monitor goroutines do not block request handlers, and enforces foreign
// keys for the history table.
const ledgerFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN builds the on-disk SQLite DSN for the claim ledger from a
// filesystem path.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrPathRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve ledger path: %w", err)
	}
	return "file:" + abs + "?" + ledgerFilePragmas, nil
}

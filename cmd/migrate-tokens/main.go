// Command migrate-tokens encrypts the plaintext access tokens in an existing
// status file after an encryption key has been introduced.
//
// Usage:
//
//	export MATRIX_CENSUS_TOKEN_KEY="$(openssl rand -base64 32)"
//	migrate-tokens [--dry-run] <statusfile>
//
// Already-encrypted tokens are left untouched, so the command is idempotent.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/matrix-census/crypto"
	"github.com/onnwee/matrix-census/status"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "show what would be migrated without rewriting the file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: migrate-tokens [--dry-run] <statusfile>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	key := os.Getenv("MATRIX_CENSUS_TOKEN_KEY")
	if key == "" {
		slog.Error("MATRIX_CENSUS_TOKEN_KEY environment variable is required for migration")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("err", err))
		os.Exit(1)
	}

	if _, err := os.Stat(path); err != nil {
		slog.Error("status file unreadable", slog.String("path", path), slog.Any("err", err))
		os.Exit(1)
	}
	st, err := status.Load(path)
	if err != nil {
		slog.Error("status file corrupt beyond recovery", slog.Any("err", err))
		os.Exit(1)
	}

	migrated, skipped, err := migrate(st, enc, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}

	if !*dryRun && migrated > 0 {
		if err := st.Save(path); err != nil {
			slog.Error("failed to rewrite status file", slog.Any("err", err))
			os.Exit(1)
		}
	}
	slog.Info("migration complete",
		slog.Int("migrated", migrated),
		slog.Int("skipped", skipped),
		slog.Bool("dry_run", *dryRun))
}

// migrate seals every plaintext token in st. Encrypted and empty entries are
// counted as skipped; in dry-run mode nothing is modified.
func migrate(st *status.Status, enc crypto.Encryptor, dryRun bool) (migrated, skipped int, err error) {
	for id, stored := range st.AccessTokens {
		if stored == nil || *stored == "" || crypto.IsEncrypted(*stored) {
			skipped++
			continue
		}
		if dryRun {
			slog.Info("would encrypt token", slog.String("id", id))
			migrated++
			continue
		}
		if err := st.SetToken(id, *stored, enc); err != nil {
			return migrated, skipped, fmt.Errorf("encrypt token for %s: %w", id, err)
		}
		migrated++
	}
	return migrated, skipped, nil
}

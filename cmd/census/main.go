// Command census collects user count statistics of the rooms a given Matrix
// user has joined. One invocation performs one linear pass:
//
//	load status -> authenticate -> enumerate rooms -> update series ->
//	persist status -> persist counters -> export metrics -> optional logout
//
// It is meant to be run from cron or a systemd timer; nothing is printed
// unless something goes wrong or --verbose is set. The status file holds the
// access token and must never be shared; the counter file is the shareable
// projection.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/matrix-census/census"
	"github.com/onnwee/matrix-census/config"
	"github.com/onnwee/matrix-census/matrixapi"
	"github.com/onnwee/matrix-census/status"
	"github.com/onnwee/matrix-census/telemetry"
)

func main() {
	// .env is a local-dev convenience only; scheduled runs use real env
	_ = godotenv.Load()

	var cfg config.Collector
	cmd := &cobra.Command{
		Use:   "census",
		Short: "Collect user count statistics of rooms a Matrix user has joined",
		Example: "  echo matrix_passwd | census --matrixhost synapse.example.org" +
			" --matrixuser monitor --matrixpass -",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cfg.Verbose)
			cfg.FromEnv()
			if err := cfg.ResolvePassword(cmd.InOrStdin()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), &cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&cfg.Host, "matrixhost", "", "hostname of the matrix server (not including https://)")
	fl.StringVar(&cfg.User, "matrixuser", "", "user name for the matrix server")
	fl.StringVar(&cfg.Password, "matrixpass", "", `password for the user on matrix, read from stdin if == "-"`)
	fl.StringVar(&cfg.StatusFile, "statusfile", ".matrix-census.status",
		"file holding state between runs, including the access token; never share this file")
	fl.StringVar(&cfg.CounterFile, "counterfile", "matrix-census.json",
		"file holding the collected counts without any authentication data; safe to share")
	fl.StringVar(&cfg.MetricsFile, "metrics-file", "",
		"optional path for node-exporter textfile-collector metrics about the run")
	fl.BoolVar(&cfg.AlwaysLogout, "matrix-always-logout", false,
		"log out of the matrix session at the end, invalidating the access token; "+
			"not intended for regular use, as always obtaining a new token can run into rate limits")
	fl.BoolVar(&cfg.Verbose, "verbose", false, "be verbose; by default nothing is printed unless something fails")
	_ = cmd.MarkFlagRequired("matrixhost")
	_ = cmd.MarkFlagRequired("matrixuser")
	_ = cmd.MarkFlagRequired("matrixpass")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("run failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// setupLogging mirrors the collector's quiet-by-default contract: warnings
// and errors always, everything else only with --verbose.
func setupLogging(verbose bool) {
	lvl := slog.LevelWarn
	if verbose {
		lvl = slog.LevelDebug
	}
	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg *config.Collector) error {
	start := time.Now()

	enc, err := cfg.Encryptor()
	if err != nil {
		return err
	}

	st, err := status.Load(cfg.StatusFile)
	if err != nil {
		return err
	}
	client := &matrixapi.Client{Homeserver: cfg.Host}

	fresh, err := matrixapi.Establish(ctx, client, cfg.User, cfg.Password, st.Token(cfg.TokenID(), enc))
	if err != nil {
		return err
	}
	if fresh {
		if err := st.SetToken(cfg.TokenID(), client.AccessToken, enc); err != nil {
			return err
		}
	}

	stats, err := census.Run(ctx, client, st, time.Now())
	if err != nil {
		return err
	}
	slog.Debug("census complete",
		slog.Int("polled", stats.RoomsPolled),
		slog.Int("failed", stats.RoomsFailed),
		slog.Int("skipped", stats.RoomsSkipped))

	if cfg.AlwaysLogout {
		// the token is invalid either way afterwards; a failed logout call is
		// reported but the run still counts as successful
		if err := client.Logout(ctx); err != nil {
			slog.Warn("logout failed", slog.Any("err", err))
		}
		st.DropToken(cfg.TokenID())
	}

	// persistence is best effort: report, keep going, let the next scheduled
	// run catch up
	if err := st.Save(cfg.StatusFile); err != nil {
		fmt.Fprintf(os.Stderr, "cannot save status file: %v\n", err)
	}
	if err := status.WriteCounters(st.Counters(), cfg.CounterFile); err != nil {
		fmt.Fprintf(os.Stderr, "cannot save counter file: %v\n", err)
	}

	if cfg.MetricsFile != "" {
		m := telemetry.New()
		m.Observe(stats, st.Rooms, time.Since(start))
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			slog.Warn("metrics export failed", slog.Any("err", err))
		}
	}
	return nil
}

// billingworker rolls the append-only usage log into per-tenant daily
// summaries. Run it once a day, after midnight UTC, for the previous day.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/noteflow-api/internal/config"
	"github.com/erauner12/noteflow-api/internal/db"
	"github.com/erauner12/noteflow-api/internal/repo"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "noteflow-billingworker").Logger()

	dayFlag := flag.String("day", "", "UTC day to summarize as YYYY-MM-DD (default: yesterday)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	day := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	if *dayFlag != "" {
		day, err = time.Parse("2006-01-02", *dayFlag)
		if err != nil {
			log.Fatal().Err(err).Str("day", *dayFlag).Msg("day must be YYYY-MM-DD")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	store := repo.NewPostgres(pool)
	n, err := store.SummarizeUsage(ctx, day)
	if err != nil {
		log.Fatal().Err(err).Msg("usage rollup failed")
	}

	log.Info().
		Str("day", day.Format("2006-01-02")).
		Int("tenants", n).
		Msg("usage summary written")
}

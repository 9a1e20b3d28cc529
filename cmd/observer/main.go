package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stemsi/exstem-live/internal/logger"
	"github.com/stemsi/exstem-live/internal/model"
	"github.com/stemsi/exstem-live/internal/observer"
	"golang.org/x/sync/errgroup"
)

// observer follows the live session from a terminal. With -auto-submit it
// behaves like a student client and finalizes the run when time is up.
func main() {
	var (
		baseURL    string
		token      string
		autoSubmit bool
		logLevel   string
	)
	flag.StringVar(&baseURL, "url", "http://localhost:8080", "Server base URL")
	flag.StringVar(&token, "token", os.Getenv("EXSTEM_TOKEN"), "JWT (defaults to $EXSTEM_TOKEN)")
	flag.BoolVar(&autoSubmit, "auto-submit", false, "Finalize with trigger auto_timeout when the run ends (student tokens)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.Parse()

	if token == "" {
		fmt.Fprintln(os.Stderr, "a token is required (-token or $EXSTEM_TOKEN)")
		os.Exit(2)
	}

	log := logger.Setup(logLevel, "pretty")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := observer.New()
	client := observer.NewClient(baseURL, token, obs, log)
	client.OnSnapshot = func(ev model.SessionEvent, result observer.ApplyResult) {
		log.Info().
			Str("status", string(ev.Session.Status)).
			Int64("version", ev.Session.Version).
			Int64("generation", ev.Session.Generation).
			Str("apply", result.String()).
			Msg("Snapshot")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		last := int64(-1)
		return obs.Watch(gctx, time.Second,
			func(t observer.Tick) {
				if t.Session.Status != model.SessionStatusStarted || t.Remaining == last {
					return
				}
				last = t.Remaining
				fmt.Printf("\r%s  %02d:%02d remaining ", t.Session.Title, t.Remaining/60, t.Remaining%60)
			},
			func(s model.TestSession) {
				fmt.Println()
				log.Info().Int64("generation", s.Generation).Str("status", string(s.Status)).Msg("Run ended")
				if !autoSubmit {
					return
				}
				res, err := client.Finalize(gctx, model.SubmitTriggerAutoTimeout)
				if err != nil {
					log.Error().Err(err).Msg("Auto-submit failed")
					return
				}
				log.Info().
					Str("outcome", string(res.Outcome)).
					Int("correct", res.Summary.Correct).
					Int("total", res.Summary.TotalQuestions).
					Float64("score", res.Summary.Score).
					Msg("Auto-submitted")
			},
		)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Observer stopped")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cumulusdata/cumulus/internal/apiclient"
	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/relocate"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CUMULUS_BASE_URL", "http://127.0.0.1:8080"), "cumulus api base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CUMULUS_TOKEN")), "bearer token")
	collectionID := flag.String("collection", "", "collection id (name___version)")
	granuleID := flag.String("granule", "", "granule id")
	destinationsFile := flag.String("destinations", "", "JSON file with a list of {regex, bucket, filepath} destinations")
	watch := flag.Bool("watch-dead-letters", false, "poll dead-lettered workflow messages instead of moving")
	interval := flag.Duration("interval", durationEnv("CUMULUS_MOVE_INTERVAL", 30*time.Second), "dead letter poll interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("CUMULUS_MOVE_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("CUMULUS_MOVE_TIMEOUT", time.Minute), "per-request timeout")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if strings.TrimSpace(*token) == "" {
		logger.Fatal().Msg("token is required (--token or CUMULUS_TOKEN)")
	}
	if *timeout <= 0 {
		*timeout = time.Minute
	}
	client := apiclient.New(*baseURL, *token, &http.Client{Timeout: *timeout})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *watch {
		watchDeadLetters(rootCtx, client, logger, *interval, clampJitterRatio(*intervalJitter), *timeout)
		return
	}

	if *collectionID == "" || *granuleID == "" || *destinationsFile == "" {
		logger.Fatal().Msg("--collection, --granule and --destinations are required")
	}
	f, err := os.Open(*destinationsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("open destinations")
	}
	destinations, err := readDestinations(f)
	_ = f.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("read destinations")
	}

	ctx, cancel := context.WithTimeout(rootCtx, *timeout)
	defer cancel()
	res, err := client.MoveGranule(ctx, *collectionID, *granuleID, destinations)
	if code := report(os.Stdout, res, err); code != 0 {
		logger.Error().Err(err).Str("granule_id", *granuleID).Msg("move failed")
		os.Exit(code)
	}
}

func readDestinations(r io.Reader) ([]relocate.Destination, error) {
	var destinations []relocate.Destination
	if err := json.NewDecoder(r).Decode(&destinations); err != nil {
		return nil, fmt.Errorf("decode destinations: %w", err)
	}
	if len(destinations) == 0 {
		return nil, errors.New("no destinations given")
	}
	for i, d := range destinations {
		if d.Regex == "" || d.Bucket == "" {
			return nil, fmt.Errorf("destination %d needs regex and bucket", i)
		}
	}
	return destinations, nil
}

// report prints the moved files and returns the process exit code: 0 on
// success, 2 on a partial relocation and 1 otherwise.
func report(w io.Writer, res relocate.Result, err error) int {
	var partial *cumulus.PartialRelocationError
	switch {
	case errors.As(err, &partial):
		for _, f := range partial.Failures {
			fmt.Fprintf(w, "FAILED %s/%s -> %s/%s: %s\n", f.Move.SourceBucket, f.Move.SourceKey, f.Move.TargetBucket, f.Move.TargetKey, f.Reason)
		}
		return 2
	case err != nil:
		return 1
	}
	for _, f := range res.Moved {
		fmt.Fprintf(w, "moved %s -> %s\n", f.FileName, f.S3URL())
	}
	if res.Degraded {
		fmt.Fprintln(w, "warning: record mirrors or catalog not updated")
	}
	return 0
}

func watchDeadLetters(ctx context.Context, client *apiclient.Client, logger zerolog.Logger, interval time.Duration, jitter float64, timeout time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	seen := map[string]struct{}{}
	poll := func() {
		pollCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		items, err := client.DeadLetters(pollCtx, 100)
		if err != nil {
			logger.Warn().Err(err).Msg("dead letter poll failed")
			return
		}
		for _, dl := range items {
			if _, ok := seen[dl.EnvelopeID]; ok {
				continue
			}
			seen[dl.EnvelopeID] = struct{}{}
			logger.Warn().
				Str("envelope_id", dl.EnvelopeID).
				Str("execution_arn", dl.ExecutionArn).
				Int("attempts", dl.AttemptCount).
				Str("last_error", dl.LastError).
				Msg("dead-lettered workflow message")
		}
	}

	poll()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			poll()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

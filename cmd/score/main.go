// Command score scores a file of karma logs offline.
//
// Usage:
//
//	score [-in logs.json] [-features] [-workers 8]
//	score -keygen NAME
//
// Input is a JSON array of user records or a single record; "-" reads
// stdin. Results are printed as JSON in input order. With -features the
// feature vectors are printed as CSV in manifest order instead, without
// consulting the classifier.
// -keygen issues an API key and prints the API_KEYS entry for it.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/mbd888/karmaguard/internal/app"
	"github.com/mbd888/karmaguard/internal/auth"
	"github.com/mbd888/karmaguard/internal/config"
	"github.com/mbd888/karmaguard/internal/features"
	"github.com/mbd888/karmaguard/internal/logging"
	"github.com/mbd888/karmaguard/internal/risk"
	"github.com/mbd888/karmaguard/internal/rules"
	"github.com/mbd888/karmaguard/internal/schema"
)

type result struct {
	UserID               string       `json:"user_id"`
	FraudScore           float64      `json:"fraud_score"`
	SuspiciousActivities []rules.Flag `json:"suspicious_activities"`
	Status               risk.Status  `json:"status"`
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "score:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "-", "input file (JSON array or object); - for stdin")
	featureMode := fs.Bool("features", false, "print feature vectors as CSV instead of assessments")
	workers := fs.Int("workers", 0, "parallel scoring workers (default BATCH_WORKERS)")
	keygen := fs.String("keygen", "", "issue an API key for the named client and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *keygen != "" {
		raw, entry, err := auth.GenerateKey(*keygen)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "key:      %s\nAPI_KEYS: %s\n", raw, entry)
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *workers > 0 {
		cfg.BatchWorkers = *workers
	}
	logger := logging.NewWithWriter(stderr, cfg.LogLevel, cfg.LogFormat)

	data, err := readInput(*in, stdin)
	if err != nil {
		return err
	}
	logs, err := schema.DecodeLogs(data)
	if err != nil {
		return err
	}

	// Offline runs never touch the shared store or cache.
	a, err := app.New(ctx, cfg, logger, app.WithStore(risk.NewMemoryStore()), app.WithoutCache())
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if *featureMode {
		results, err := a.Engine.Extractor().ExtractBatch(ctx, logs, cfg.BatchWorkers)
		if err != nil {
			return err
		}
		logger.Info("extracted", "users", len(results))
		return writeFeatures(stdout, a.Engine.Manifest(), results)
	}

	assessments, err := a.Engine.AnalyzeBatch(ctx, logs)
	if err != nil {
		return err
	}
	logger.Info("scored", "users", len(assessments))
	return writeResults(stdout, assessments)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func writeResults(w io.Writer, assessments []*risk.Assessment) error {
	out := make([]result, len(assessments))
	for i, a := range assessments {
		flags := a.SuspiciousActivities
		if flags == nil {
			flags = []rules.Flag{}
		}
		out[i] = result{UserID: a.UserID, FraudScore: a.FraudScore, SuspiciousActivities: flags, Status: a.Status}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeFeatures(w io.Writer, manifest *features.Manifest, results []*features.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{features.UserIDKey}, manifest.Names()...)); err != nil {
		return err
	}
	for _, r := range results {
		row, err := manifest.Row(&r.Vector)
		if err != nil {
			return err
		}
		rec := make([]string, 0, len(row)+1)
		rec = append(rec, r.Vector.UserID)
		for _, v := range row {
			rec = append(rec, strconv.FormatFloat(v, 'f', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}


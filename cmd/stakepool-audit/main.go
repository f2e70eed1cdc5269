// Command stakepool-audit re-verifies archived settlements. Archives are read
// from local files given as arguments, or from the configured bucket with
// -key or -prefix, and every check is printed as a table. The exit status is
// 1 when any archive fails.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"

	s3blob "github.com/alanyoungcy/stakepool/internal/blob/s3"
	"github.com/alanyoungcy/stakepool/internal/config"
	"github.com/alanyoungcy/stakepool/internal/domain"
	"github.com/alanyoungcy/stakepool/internal/verify"
)

func main() {
	configPath := flag.String("config", "", "configuration file for bucket and chain settings")
	key := flag.String("key", "", "object key of a single archive in the bucket")
	prefix := flag.String("prefix", "", "verify every archive under this bucket prefix")
	signer := flag.String("signer", "", "expected operator address")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: stakepool-audit [flags] [archive.json ...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archives, err := load(ctx, cfg, flag.Args(), *key, *prefix)
	if err != nil {
		logger.Error("failed to load archives", slog.String("error", err.Error()))
		os.Exit(2)
	}
	if len(archives) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := verify.Options{
		ChainID:        cfg.Settlement.ChainID,
		Contract:       cfg.Settlement.ContractAddress,
		ExpectedSigner: *signer,
	}
	failed := 0
	for _, a := range archives {
		rep := verify.Archive(a.archive, opts)
		if !rep.OK() {
			failed++
		}
		printReport(os.Stdout, a.source, rep)
	}

	fmt.Printf("%d archive(s) verified, %d failed\n", len(archives), failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type sourced struct {
	source  string
	archive domain.SettlementArchive
}

func load(ctx context.Context, cfg *config.Config, files []string, key, prefix string) ([]sourced, error) {
	var out []sourced
	for _, path := range files {
		arc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, sourced{source: path, archive: arc})
	}
	if key == "" && prefix == "" {
		return out, nil
	}

	if !cfg.S3.Enabled {
		return nil, errors.New("bucket access requires s3.enabled in the configuration")
	}
	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	reader := s3blob.NewReader(client)

	keys := make([]string, 0, 1)
	if key != "" {
		keys = append(keys, key)
	}
	if prefix != "" {
		infos, err := reader.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if strings.HasSuffix(info.Path, ".json") {
				keys = append(keys, info.Path)
			}
		}
	}
	for _, k := range keys {
		arc, err := s3blob.ReadArchive(ctx, reader, k)
		if err != nil {
			return nil, err
		}
		out = append(out, sourced{source: "s3://" + client.Bucket() + "/" + k, archive: arc})
	}
	return out, nil
}

func readFile(path string) (domain.SettlementArchive, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.SettlementArchive{}, err
	}
	defer f.Close()
	arc, err := s3blob.DecodeArchive(f)
	if err != nil {
		return domain.SettlementArchive{}, fmt.Errorf("%s: %w", path, err)
	}
	return arc, nil
}

func printReport(w io.Writer, source string, rep verify.Report) {
	fmt.Fprintf(w, "\n%s (prediction %s)\n", source, rep.PredictionID)

	table := tablewriter.NewWriter(w)
	table.Header("Check", "Result", "Detail")
	for _, c := range rep.Checks {
		result := "OK"
		switch {
		case c.Skipped:
			result = "SKIP"
		case !c.OK:
			result = "FAIL"
		}
		table.Append(c.Name, result, c.Detail)
	}
	table.Render()
}

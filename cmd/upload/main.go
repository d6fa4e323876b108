package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"qatrack/internal/client"
	"qatrack/pkg/logger"

	"go.uber.org/zap"
)

const usage = `
QATrack Attachments - Upload CLI

Uploads local files through the chunked upload protocol and prints the
completed attachments as JSON, ready to be linked to an entity.

Usage:
  upload [flags] file...

Flags:
`

func main() {
	server := flag.String("server", envOr("QATRACK_SERVER", "http://localhost:8080"), "Base URL of the qatrack API")
	token := flag.String("token", os.Getenv("QATRACK_TOKEN"), "Bearer token")
	project := flag.String("project", "", "Project id")
	entityType := flag.String("entity-type", "defect", "Owning entity type")
	entityID := flag.String("entity-id", "", "Owning entity id (optional)")
	field := flag.String("field", "attachments", "Form field the files belong to")
	concurrency := flag.Int("concurrency", 4, "Parts in flight per file")
	maxFiles := flag.Int("max-files", 5, "Files uploading at once")
	pps := flag.Float64("parts-per-second", 0, "Pace part requests (0 = unlimited)")
	verbose := flag.Bool("v", false, "Log progress")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 || *project == "" {
		flag.Usage()
		os.Exit(2)
	}

	l := logger.NewNop()
	if *verbose {
		l = logger.New(logger.DevelopmentMode)
	}
	defer l.Sync()
	logger.SetGlobalLogger(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := client.NewStore(func(a client.Attachment) {
		l.Logger.Debug("attachment update",
			zap.String("file_name", a.FileName),
			zap.String("status", string(a.Status)),
			zap.Int("progress", a.Progress),
		)
	})
	opts := client.DefaultOptions()
	opts.Concurrency = *concurrency
	opts.MaxFiles = *maxFiles
	opts.PartsPerSecond = *pps

	coordinator := client.NewCoordinator(
		client.NewAPIClient(*server, *token, nil),
		client.NewHTTPPartTransport(nil),
		store,
		client.Target{ProjectID: *project, EntityType: *entityType, EntityID: *entityID},
		opts,
	)

	os.Exit(run(ctx, coordinator, flag.Args(), *field, *maxFiles))
}

// run uploads files in batches of at most maxFiles so the coordinator limit is
// never hit, removes failed uploads so their sessions are aborted, and prints
// the handoff list.
func run(ctx context.Context, coordinator *client.Coordinator, paths []string, field string, maxFiles int) int {
	if maxFiles <= 0 {
		maxFiles = len(paths)
	}
	failed := 0

	for start := 0; start < len(paths); start += maxFiles {
		end := min(start+maxFiles, len(paths))
		var ids []string
		var closers []io.Closer

		for _, path := range paths[start:end] {
			file, closer, err := client.OpenFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed++
				continue
			}
			closers = append(closers, closer)
			id, err := coordinator.Add(ctx, file, field)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed++
				continue
			}
			ids = append(ids, id)
		}

		for _, id := range ids {
			a, err := coordinator.Wait(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %s\n", a.FileName, messageOrErr(a, err))
				failed++
				if rmErr := coordinator.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
					fmt.Fprintf(os.Stderr, "%s: cleanup: %v\n", a.FileName, rmErr)
				}
			}
		}
		for _, c := range closers {
			c.Close()
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(coordinator.Handoff()); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return 1
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func messageOrErr(a client.Attachment, err error) string {
	if a.Error != "" {
		return a.Error
	}
	return err.Error()
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

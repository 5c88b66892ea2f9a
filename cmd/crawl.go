package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-miner/internal/crawler"
	"github.com/JakeFAU/review-miner/internal/id"
	"github.com/JakeFAU/review-miner/internal/logging"
	"github.com/JakeFAU/review-miner/internal/server"
	"github.com/JakeFAU/review-miner/internal/taxonomy"
	errorsinks "github.com/JakeFAU/review-miner/internal/taxonomy/sinks"
)

type crawlOptions struct {
	kind      string
	urls      []string
	taskID    string
	subTaskID string
	records   bool
}

// crawlOutput is printed as JSON once the task finishes.
type crawlOutput struct {
	Result crawler.Result         `json:"result"`
	Errors []taxonomy.ErrorRecord `json:"errors"`
}

// newCrawlCmd runs one task in-process, without the API or queue.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl task and print its result",
		Example: `  reviewminer crawl --kind listing --url 'https://www.amazon.com/s?k=desk+lamp'
  reviewminer crawl --kind product_detail --url https://www.amazon.com/dp/B000000001`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runCrawl(ctx, root, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.kind, "kind", "", "entity kind: listing, product_detail or review")
	cmd.Flags().StringArrayVar(&opts.urls, "url", nil, "seed URL (repeatable)")
	cmd.Flags().StringVar(&opts.taskID, "task-id", "", "task id (default: generated UUIDv7)")
	cmd.Flags().StringVar(&opts.subTaskID, "sub-task-id", "", "caller supplied sub task id")
	cmd.Flags().BoolVar(&opts.records, "records", true, "include extracted records in the output")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawl(ctx context.Context, root *rootOptions, opts *crawlOptions, out io.Writer) error {
	kind, err := crawler.ParseKind(opts.kind)
	if err != nil {
		return err
	}
	if len(opts.urls) == 0 {
		return errors.New("at least one --url is required")
	}
	taskID := opts.taskID
	if taskID == "" {
		if taskID, err = id.NewGenerator().NewID(); err != nil {
			return err
		}
	}
	task := crawler.Task{TaskID: taskID, SubTaskID: opts.subTaskID, Kind: kind, SeedURLs: opts.urls}
	if err := task.Validate(); err != nil {
		return err
	}

	cfg, err := root.load()
	if err != nil {
		return err
	}
	logger, err := logging.NewWithOptions(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	mem := taxonomy.NewMemorySink()
	sink := taxonomy.MultiSink{mem}
	if cfg.Errors.Sink == "file" {
		fileSink, err := errorsinks.NewFileSink(errorsinks.FileConfig{
			Dir:       cfg.Errors.FileDir,
			MaxSizeMB: cfg.Errors.MaxSizeMB,
			Compress:  true,
		})
		if err != nil {
			return fmt.Errorf("file error sink init failed: %w", err)
		}
		defer func() { _ = fileSink.Close() }()
		sink = append(sink, fileSink)
	}
	machine, err := server.NewMachine(cfg, sink, nil, logger)
	if err != nil {
		return err
	}
	result := machine.Run(ctx, task)
	logger.Info("crawl finished",
		zap.String("task_id", result.TaskID),
		zap.String("status", string(result.Status)),
		zap.Int("records", len(result.Records)),
		zap.Int("errors", result.ErrorCount),
	)
	if !opts.records {
		result.Records = nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(crawlOutput{Result: result, Errors: mem.ForTask(taskID)}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// Command ghostcrawl runs a scraping job file through the resilience
// core: items are read one per line, processed by a caller-pluggable
// operation, checkpointed, and resumed across invocations.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghostcrawl/core/checkpoint"
	"github.com/ghostcrawl/core/corekit"
	"github.com/ghostcrawl/core/eventbus"
	"github.com/ghostcrawl/core/jobrunner"
	"github.com/ghostcrawl/core/resource"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile  = flag.String("config", "", "optional JSON/YAML configuration file")
		policyFile  = flag.String("policies", "", "optional YAML policy bundle")
		jobID       = flag.String("job", "", "job identifier (required)")
		itemsFile   = flag.String("items", "", "file with one item id per line (required)")
		retryPolicy = flag.String("retry-policy", "", "named retry policy (default from config)")
		abortPolicy = flag.String("abort-policy", "", "named abort policy (default from config)")
	)
	flag.Parse()

	if *jobID == "" || *itemsFile == "" {
		fmt.Fprintln(os.Stderr, "usage: ghostcrawl -job <id> -items <file> [flags]")
		flag.PrintDefaults()
		return exitUsage
	}

	var cfgOpts []corekit.Option
	if *configFile != "" {
		cfgOpts = append(cfgOpts, corekit.WithConfigFile(*configFile))
	}
	cfg, err := corekit.NewConfig(cfgOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ghostcrawl: %v\n", err)
		return exitUsage
	}
	logger := cfg.Logger()

	items, err := readItems(*itemsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ghostcrawl: %v\n", err)
		return exitUsage
	}

	var bundle *jobrunner.PolicyBundle
	if *policyFile != "" {
		bundle, err = jobrunner.LoadPolicyBundle(*policyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ghostcrawl: %v\n", err)
			return exitUsage
		}
	}
	retryName := *retryPolicy
	if retryName == "" {
		retryName = cfg.DefaultRetryPolicy
	}
	abortName := *abortPolicy
	if abortName == "" {
		abortName = cfg.DefaultAbortPolicy
	}

	mgr, err := checkpoint.NewManager(cfg.StorageRoot, cfg.RetentionCount,
		checkpoint.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ghostcrawl: %v\n", err)
		return exitUsage
	}

	sink := eventbus.NewOTelSink("ghostcrawl")
	corekit.SetMetricsRegistry(sink)

	bus := eventbus.NewBus(eventbus.WithLogger(logger), eventbus.WithMetrics(sink))
	defer bus.Close()
	go logEvents(bus, logger)

	monitor := resource.NewMonitor(nil,
		resource.WithSampler(resource.NewSystemSampler(cfg.StorageRoot)),
		resource.WithInterval(cfg.ResourceSampleInterval),
		resource.WithLogger(logger),
		resource.WithMetrics(sink))

	runner, err := jobrunner.NewRunner(jobrunner.Dependencies{
		Checkpoints: mgr,
		Monitor:     monitor,
		Bus:         bus,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ghostcrawl: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runner.Submit(ctx, &jobrunner.Job{
		ID:          *jobID,
		Items:       items,
		Operation:   jobrunner.OperationFunc(fetchItem),
		RetryPolicy: bundle.RetryPolicy(retryName),
		AbortPolicy: bundle.AbortPolicy(abortName),
	})
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		if errors.Is(err, corekit.ErrJobAborted) {
			fmt.Fprintf(os.Stderr, "ghostcrawl: aborted: %s\n", summary.AbortReason)
		} else {
			fmt.Fprintf(os.Stderr, "ghostcrawl: %v\n", err)
		}
		return exitFailed
	}
	return exitOK
}

// fetchItem is the placeholder operation: the real browser automation
// layer plugs in here. It succeeds without side effects so the binary can
// exercise the resilience core end to end.
func fetchItem(ctx context.Context, itemID string) (interface{}, error) {
	return itemID, nil
}

func readItems(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			items = append(items, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items in %s", path)
	}
	return items, nil
}

// logEvents drains the bus into the structured log so every recovery
// decision is visible without a metrics backend.
func logEvents(bus *eventbus.Bus, logger corekit.Logger) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()
	for ev := range ch {
		logger.Info("core event", map[string]interface{}{
			"operation":      "bus_event",
			"kind":           string(ev.Kind),
			"job_id":         ev.JobID,
			"correlation_id": ev.CorrelationID,
		})
	}
}

func printSummary(s *jobrunner.Summary) {
	fmt.Printf("job %s: %s\n", s.JobID, s.State)
	fmt.Printf("  completed: %d  failed: %d  pending: %d  retries: %d\n",
		s.Completed, s.Failed, s.Pending, s.Retries)
	if s.Resumed {
		fmt.Printf("  resumed from checkpoint %s\n", s.ResumedFrom)
	}
	for _, d := range s.Decisions {
		fmt.Printf("  %s: %s (%s)\n", d.ItemID, d.Decision, d.Message)
	}
	if s.AbortReason != "" {
		fmt.Printf("  abort reason: %s\n", s.AbortReason)
	}
}

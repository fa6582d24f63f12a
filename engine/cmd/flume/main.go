package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/flumelabs/flume/engine/pkg/delta"
	"github.com/flumelabs/flume/engine/pkg/keys"
	"github.com/flumelabs/flume/engine/pkg/metrics"
	"github.com/flumelabs/flume/engine/pkg/schema"
	"github.com/flumelabs/flume/engine/pkg/server"
	"github.com/flumelabs/flume/engine/pkg/stream"
	"github.com/flumelabs/flume/engine/pkg/writer"
	"github.com/flumelabs/flume/utils/pkg/logger"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", "", "address for the status/metrics server, empty disables it (or set FLUME_LISTEN_ADDR env var)")
	strategyFlag := flag.String("strategy", "append_update_preserve", "update strategy for the demo merge (or set FLUME_STRATEGY env var)")
	rowsFlag := flag.Int("rows", 1000, "number of source rows for the demo merge")
	batchSizeFlag := flag.Int("batch-size", 100, "writer batch size")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if envListenAddr := os.Getenv("FLUME_LISTEN_ADDR"); envListenAddr != "" {
		*listenAddrFlag = envListenAddr
	}
	if envStrategy := os.Getenv("FLUME_STRATEGY"); envStrategy != "" {
		*strategyFlag = envStrategy
	}

	strategy, err := delta.ParseStrategy(*strategyFlag)
	if err != nil {
		return err
	}
	if *rowsFlag < 1 {
		return fmt.Errorf("--rows must be at least 1, got %d", *rowsFlag)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	demo, err := newDemo(log, strategy, *rowsFlag, *batchSizeFlag)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if *listenAddrFlag != "" {
		srv, err := server.New(server.Config{
			Logger:            log,
			ListenAddr:        *listenAddrFlag,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			VersionInfo:       server.VersionInfo{Version: version, Commit: commit, Date: date},
			Status:            demo.status,
		})
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		g.Go(func() error { return srv.Run(gctx) })
		g.Go(func() error {
			err := demo.run(gctx)
			stop() // merge done, bring the server down
			return err
		})
	} else {
		g.Go(func() error { return demo.run(gctx) })
	}

	if err := g.Wait(); err != nil {
		metrics.RunsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.RunsTotal.WithLabelValues("success").Inc()
	return nil
}

// demo merges a generated customer feed against a pre-seeded target and
// applies the result to an in-memory sink, exercising the full engine path.
type demo struct {
	log      *slog.Logger
	strategy delta.UpdateStrategy
	merge    *delta.Transform
	writer   *writer.Writer
	sink     *writer.MemorySink
	rows     int
}

func customerTable() *schema.Table {
	return schema.MustNew("dim_customer",
		schema.Column{Name: "customer_sk", DataType: schema.TypeInt64, DeltaType: schema.DeltaSurrogateKey},
		schema.Column{Name: "customer_id", DataType: schema.TypeInt64, DeltaType: schema.DeltaNaturalKey},
		schema.Column{Name: "name", DataType: schema.TypeString, DeltaType: schema.DeltaTrackingField},
		schema.Column{Name: "email", DataType: schema.TypeString, DeltaType: schema.DeltaTrackingField},
		schema.Column{Name: "valid_from", DataType: schema.TypeDateTime, DeltaType: schema.DeltaValidFromDate},
		schema.Column{Name: "valid_to", DataType: schema.TypeDateTime, Nullable: true, DeltaType: schema.DeltaValidToDate},
		schema.Column{Name: "is_current", DataType: schema.TypeBool, DeltaType: schema.DeltaIsCurrentFlag},
		schema.Column{Name: "created_at", DataType: schema.TypeDateTime, DeltaType: schema.DeltaCreateDate},
		schema.Column{Name: "updated_at", DataType: schema.TypeDateTime, DeltaType: schema.DeltaUpdateDate},
	)
}

func newDemo(log *slog.Logger, strategy delta.UpdateStrategy, rows, batchSize int) (*demo, error) {
	table := customerTable()
	now := time.Now().UTC().Add(-24 * time.Hour)

	// Pre-seed the target with the first half of the key space; every third
	// seeded row gets a stale email so the merge has updates to find.
	seeded := rows / 2
	target := stream.NewMemoryTable(table)
	existing := make([]stream.Row, 0, seeded)
	for i := 1; i <= seeded; i++ {
		email := fmt.Sprintf("customer%d@example.com", i)
		if i%3 == 0 {
			email = fmt.Sprintf("old%d@example.com", i)
		}
		row := stream.Row{
			int64(i), int64(i), fmt.Sprintf("Customer %d", i), email,
			now, nil, true, now, now,
		}
		if err := target.Add(row); err != nil {
			return nil, err
		}
		existing = append(existing, row)
	}
	target.SetOrder([]stream.SortKey{{Column: "customer_id"}})

	sourceSchema := schema.MustNew("customer_feed",
		schema.Column{Name: "customer_id", DataType: schema.TypeInt64},
		schema.Column{Name: "name", DataType: schema.TypeString},
		schema.Column{Name: "email", DataType: schema.TypeString},
	)
	source := stream.NewMemoryTable(sourceSchema)
	for i := 1; i <= rows; i++ {
		row := stream.Row{
			int64(i),
			fmt.Sprintf("Customer %d", i),
			fmt.Sprintf("customer%d@example.com", i),
		}
		if err := source.Add(row); err != nil {
			return nil, err
		}
	}
	source.SetOrder([]stream.SortKey{{Column: "customer_id"}})

	merge, err := delta.New(delta.Config{
		Logger:   log,
		Source:   source,
		Target:   target,
		Table:    table,
		Strategy: strategy,
		Sequence: keys.NewSequence(int64(seeded)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create delta transform: %w", err)
	}

	// The sink mirrors the target so updates and deletes land on real rows.
	sink, err := writer.NewMemorySink(table)
	if err != nil {
		return nil, err
	}
	if _, err := sink.Insert(context.Background(), existing); err != nil {
		return nil, fmt.Errorf("failed to seed sink: %w", err)
	}
	w, err := writer.New(writer.Config{
		Logger:    log,
		Sink:      sink,
		BatchSize: batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create writer: %w", err)
	}

	return &demo{
		log:      log,
		strategy: strategy,
		merge:    merge,
		writer:   w,
		sink:     sink,
		rows:     rows,
	}, nil
}

func (d *demo) run(ctx context.Context) error {
	runID := uuid.New()
	d.log.Info("starting merge", "run_id", runID, "strategy", d.strategy, "rows", d.rows)

	start := time.Now()
	applied, err := d.writer.Run(ctx, runID, d.merge)
	elapsed := time.Since(start)

	table := d.merge.Schema().Name()
	metrics.MergeDuration.WithLabelValues(table, d.strategy.String()).Observe(elapsed.Seconds())
	counts := d.merge.Counts().Snapshot()
	metrics.MergeRowsTotal.WithLabelValues(table, "create").Add(float64(counts.Created))
	metrics.MergeRowsTotal.WithLabelValues(table, "update").Add(float64(counts.Updated))
	metrics.MergeRowsTotal.WithLabelValues(table, "delete").Add(float64(counts.Deleted))
	metrics.MergeRowsTotal.WithLabelValues(table, "reject").Add(float64(counts.Rejected))

	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	d.log.Info("merge complete",
		"run_id", runID,
		"elapsed", elapsed,
		"created", counts.Created,
		"updated", counts.Updated,
		"deleted", counts.Deleted,
		"preserved", counts.Preserved,
		"ignored", counts.Ignored,
		"inserted", applied.Inserted,
		"target_rows", d.sink.Len(),
	)
	return nil
}

func (d *demo) status() any {
	return map[string]any{
		"strategy": d.strategy.String(),
		"merge":    d.merge.Counts().Snapshot(),
		"applied":  d.writer.Applied().Snapshot(),
	}
}

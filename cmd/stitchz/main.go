// Package main runs a synthetic traced workload and prints the resulting
// span records, which is handy for checking a config or an exporter setup.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/zoobzio/stitchz"
	"github.com/zoobzio/stitchz/otelreporter"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
)

// Build information injected via ldflags at build time.
var version = "dev"

var (
	cfgFile      string
	reporterName string
	logLevel     string
	traces       int
	workers      int
	tail         bool
	showMetrics  bool
)

var rootCmd = &cobra.Command{
	Use:     "stitchz",
	Short:   "Run a synthetic traced workload",
	Long:    `Run a synthetic workload through a stitchz tracer and print every reported span record.`,
	Version: version,
	RunE:    runDemo,
}

var traceparentCmd = &cobra.Command{
	Use:   "traceparent [header]",
	Short: "Decode a W3C traceparent header, or print a random one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), stitchz.RandomSpanContext().Encode())
			return nil
		}
		sc, ok := stitchz.DecodeTraceparent(args[0])
		if !ok {
			return fmt.Errorf("malformed traceparent %q", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "trace_id=%s span_id=%s sampled=%t\n", sc.TraceID, sc.SpanID, sc.Sampled)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (YAML); STITCHZ_* environment variables override it")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level: trace, debug, info, warn, error")
	rootCmd.Flags().StringVarP(&reporterName, "reporter", "r", "console",
		"reporter: console, otel-stdout")
	rootCmd.Flags().IntVarP(&traces, "traces", "n", 3, "number of traces to run")
	rootCmd.Flags().IntVarP(&workers, "workers", "w", 2, "worker goroutines per trace")
	rootCmd.Flags().BoolVar(&tail, "tail", false, "hold traces until their root span ends")
	rootCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print tracer metrics when done")

	rootCmd.AddCommand(traceparentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDemo(cmd *cobra.Command, _ []string) error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "stitchz",
		Level:  hclog.LevelFromString(logLevel),
		Output: cmd.ErrOrStderr(),
	})

	cfg, err := stitchz.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("tail") {
		cfg.TailSampled = tail
	}

	reporter, shutdown, err := newReporter(cmd, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	reg := prometheus.NewRegistry()
	tracer := stitchz.New(reporter, cfg, stitchz.WithLogger(logger), stitchz.WithRegisterer(reg))

	logger.Info("running workload", "traces", traces, "workers", workers, "tail_sampled", cfg.TailSampled)
	for i := 0; i < traces; i++ {
		runTrace(tracer, i)
	}
	tracer.Close()

	if showMetrics {
		return printMetrics(cmd, reg)
	}
	return nil
}

func newReporter(cmd *cobra.Command, logger hclog.Logger) (stitchz.Reporter, func(), error) {
	switch reporterName {
	case "console":
		return stitchz.NewConsoleReporter(cmd.OutOrStdout()), func() {}, nil
	case "otel-stdout":
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(cmd.OutOrStdout()),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		r := otelreporter.New(exporter,
			otelreporter.WithServiceName("stitchz-demo"),
			otelreporter.WithLogger(logger.Named("otel")),
		)
		return r, func() {
			if err := r.Shutdown(context.Background()); err != nil {
				logger.Warn("exporter shutdown failed", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown reporter %q", reporterName)
	}
}

// runTrace records one request: a root span, a local parse step and a
// fan-out to worker goroutines.
func runTrace(tracer *stitchz.Tracer, n int) {
	root := tracer.Root("request", stitchz.RandomSpanContext())
	root.AddProperty("request", strconv.Itoa(n))
	ctx, guard := root.SetLocalParent(context.Background())

	stitchz.EnterWithLocalParent(ctx, "parse").End()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		span := stitchz.StartWithLocalParent(ctx, "worker").WithProperty("worker", strconv.Itoa(w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer span.End()
			wctx, wguard := span.SetLocalParent(context.Background())
			defer wguard.End()

			for step := 0; step < 3; step++ {
				s := stitchz.EnterWithLocalParent(wctx, "step")
				s.AddProperty("step", strconv.Itoa(step))
				s.End()
			}
			stitchz.AddLocalEvent(wctx, stitchz.NewEvent("done"))
		}()
	}
	wg.Wait()

	guard.End()
	root.End()
}

func printMetrics(cmd *cobra.Command, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})
	out := cmd.ErrOrStderr()
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				value = m.GetGauge().GetValue()
			}
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(out, "%s%s %g\n", mf.GetName(), labels, value)
		}
	}
	return nil
}

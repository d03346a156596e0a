package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/ucp-go/client"
	"github.com/rocketbitz/ucp-go/ucp"
)

func newBenchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a loopback tagged send benchmark",
		Long: `Start one receiving client and several sending clients in this process,
send count messages of size bytes from every sender and report throughput.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Bench.Timeout)
			defer cancel()
			return runBench(ctx, a.cfg, a.log, cmd.OutOrStdout())
		},
	}

	cmd.Flags().Int("size", 0, "message size in bytes")
	cmd.Flags().Int("count", 0, "messages per sender")
	cmd.Flags().Int("senders", 0, "number of sending clients")
	cmd.Flags().Int("lanes", 0, "lanes per endpoint")
	cmd.Flags().Duration("timeout", 0, "overall benchmark deadline")
	cmd.Flags().Bool("metrics", false, "print client Prometheus counters after the run")
	for _, name := range []string{"size", "count", "senders", "lanes", "timeout", "metrics"} {
		_ = a.v.BindPFlag("bench."+name, cmd.Flags().Lookup(name))
	}
	return cmd
}

type benchResult struct {
	Messages int
	Bytes    int64
	Elapsed  time.Duration
	Protocol ucp.Protocol
}

func runBench(ctx context.Context, cfg *Config, log *zap.Logger, out io.Writer) error {
	bc := cfg.Bench
	ccfg := cfg.clientConfig()
	ccfg.StructuredLogger = log.Sugar()

	var registry *prometheus.Registry
	if bc.Metrics {
		registry = prometheus.NewRegistry()
		hook, err := client.NewPrometheusMetrics(client.PrometheusMetricsOptions{Registerer: registry})
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		ccfg.Metrics = hook
	}

	receiver, err := client.Dial(ccfg)
	if err != nil {
		return fmt.Errorf("dial receiver: %w", err)
	}
	defer receiver.Close()
	raddr, err := receiver.LocalAddress()
	if err != nil {
		return err
	}

	senders := make([]*client.Client, bc.Senders)
	for i := range senders {
		s, err := client.Dial(ccfg)
		if err != nil {
			return fmt.Errorf("dial sender %d: %w", i, err)
		}
		defer s.Close()
		if err := s.RegisterPeer(raddr, true); err != nil {
			return fmt.Errorf("sender %d: %w", i, err)
		}
		senders[i] = s
	}

	log.Info("bench starting",
		zap.String("receiver", string(raddr)),
		zap.Int("senders", bc.Senders),
		zap.Int("count", bc.Count),
		zap.Int("size", bc.Size),
		zap.Stringer("protocol", ucp.Classify(bc.Size, cfg.Worker.ucpConfig().TagThresholds())))

	res, err := benchLoop(ctx, receiver, senders, bc)
	if err != nil {
		return err
	}
	res.Protocol = ucp.Classify(bc.Size, cfg.Worker.ucpConfig().TagThresholds())

	secs := res.Elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	fmt.Fprintf(out, "protocol   %s\n", res.Protocol)
	fmt.Fprintf(out, "messages   %d\n", res.Messages)
	fmt.Fprintf(out, "bytes      %d\n", res.Bytes)
	fmt.Fprintf(out, "elapsed    %s\n", res.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(out, "msg/s      %.0f\n", float64(res.Messages)/secs)
	fmt.Fprintf(out, "MB/s       %.2f\n", float64(res.Bytes)/secs/1e6)

	if registry != nil {
		if err := dumpCounters(out, registry); err != nil {
			return err
		}
	}
	return nil
}

// benchLoop sends bc.Count messages from every sender and receives them all
// on receiver. Sender i uses tags i<<32 | seq.
func benchLoop(ctx context.Context, receiver *client.Client, senders []*client.Client, bc BenchConfig) (benchResult, error) {
	total := bc.Count * len(senders)
	g, ctx := errgroup.WithContext(ctx)

	start := time.Now()
	g.Go(func() error {
		buf := make([]byte, bc.Size)
		for i := 0; i < total; i++ {
			n, _, err := receiver.ReceiveTagged(ctx, buf, 0, 0)
			if err != nil {
				return fmt.Errorf("receive %d: %w", i, err)
			}
			if n != bc.Size {
				return fmt.Errorf("receive %d: got %d bytes want %d", i, n, bc.Size)
			}
		}
		return nil
	})
	for idx, s := range senders {
		idx, s := idx, s
		payload := bytes.Repeat([]byte{byte(idx + 1)}, bc.Size)
		dest := s.DefaultPeer()
		g.Go(func() error {
			for seq := 0; seq < bc.Count; seq++ {
				tag := uint64(idx)<<32 | uint64(seq)
				if err := s.SendTo(ctx, dest, tag, payload); err != nil {
					return fmt.Errorf("sender %d send %d: %w", idx, seq, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	return benchResult{
		Messages: total,
		Bytes:    int64(total) * int64(bc.Size),
		Elapsed:  time.Since(start),
	}, nil
}

func dumpCounters(out io.Writer, reg *prometheus.Registry) error {
	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	sort.Slice(mfs, func(i, j int) bool { return mfs[i].GetName() < mfs[j].GetName() })
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			fmt.Fprintf(out, "%s{%s} %g\n", mf.GetName(), formatLabels(m.GetLabel()), m.GetCounter().GetValue())
		}
	}
	return nil
}

func formatLabels(pairs []*dto.LabelPair) string {
	parts := make([]string, 0, len(pairs))
	for _, lp := range pairs {
		parts = append(parts, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
	}
	return strings.Join(parts, ",")
}

func zapThresholds(th ucp.Thresholds) []zap.Field {
	return []zap.Field{
		zap.Int("max_short", th.MaxShort),
		zap.Int("zcopy_threshold", th.ZcopyThreshold),
		zap.Int("rendezvous_threshold", th.RendezvousThreshold),
		zap.Int("max_bcopy", th.Limits.MaxBcopy),
		zap.Int("max_zcopy", th.Limits.MaxZcopy),
	}
}

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/augmentd"
	"pkt.systems/augmentd/api"
	"pkt.systems/augmentd/internal/bus"
)

// newBenchCommand drives synthetic auctions through an in-process
// dispatcher with fake workers, reporting dispatch throughput.
func newBenchCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		auctions   int
		augmentors int
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run a synthetic augmentation load against an in-process dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			var transport *bus.Inproc
			d, err := augmentd.New(augmentd.Config{},
				augmentd.WithLogger(baseLogger),
				augmentd.WithTransport(func(h bus.Handler) bus.Transport {
					transport = bus.NewInproc(h)
					return transport
				}),
			)
			if err != nil {
				return err
			}
			if err := d.Start(); err != nil {
				return err
			}
			defer d.Shutdown(cmd.Context())

			names := make([]string, augmentors)
			for i := range names {
				names[i] = fmt.Sprintf("bench-aug-%d", i)
				w, err := augmentd.NewTestWorker(transport, names[i], 0x7fffffff,
					func(req augmentd.AugmentRequest) (string, bool) {
						return `{"tags":["bench"]}`, true
					})
				if err != nil {
					return err
				}
				if err := w.WaitConfigured(5 * time.Second); err != nil {
					return err
				}
			}

			cfg := &api.AgentConfig{Augmentors: names}
			var wg sync.WaitGroup
			wg.Add(auctions)
			start := time.Now()
			for i := 0; i < auctions; i++ {
				info := &api.AugmentationInfo{
					Auction: &api.Auction{
						ID:            api.ID(uuid.NewString()),
						Request:       `{"imp":[]}`,
						RequestFormat: "datacratic",
					},
					PotentialGroups: []api.GroupPotentialBidders{
						{{Agent: "bench-agent", Config: cfg}},
					},
				}
				d.Augment(info, time.Now().Add(timeout), func(*api.AugmentationInfo) {
					wg.Done()
				})
			}
			wg.Wait()
			elapsed := time.Since(start)

			rate := float64(auctions) / elapsed.Seconds()
			fmt.Fprintf(cmd.OutOrStdout(), "%s auctions x %d augmentors in %s (%s auctions/s)\n",
				humanize.Comma(int64(auctions)), augmentors, elapsed.Round(time.Millisecond),
				humanize.CommafWithDigits(rate, 0))
			return nil
		},
	}
	cmd.Flags().IntVar(&auctions, "auctions", 100000, "number of synthetic auctions")
	cmd.Flags().IntVar(&augmentors, "augmentors", 2, "number of fake augmentor workers")
	cmd.Flags().DurationVar(&timeout, "timeout", 50*time.Millisecond, "per-auction augmentation deadline")
	return cmd
}

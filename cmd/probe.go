package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidrelay/internal/manager"
	"github.com/tanq16/vidrelay/internal/output"
	"github.com/tanq16/vidrelay/internal/threads"
	"github.com/tanq16/vidrelay/internal/utils"
)

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe URL",
		Short: "Show range support, size and the transfer plan for a URL",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a, err := newApp()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Download.Timeout)
			defer cancel()
			res, err := a.executor.Probe(ctx, args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Probe failed: %v", err))
				return
			}

			host := threads.HostKey(args[0])
			decision := a.manager.Decide(manager.Request{
				Parts:     []manager.Part{{URL: args[0]}},
				TotalSize: res.Size,
			})
			bw := int64(a.threads.History().AverageThroughput(host))
			b := a.threads.Breakdown(res.Size, bw, host)

			output.PrintHeader(args[0])
			output.KeyValue("ranges", strconv.FormatBool(res.AcceptRanges))
			output.KeyValue("size", utils.FormatBytes(uint64(max(res.Size, 0))))
			output.KeyValue("content type", res.ContentType)
			output.KeyValue("segmented", fmt.Sprintf("%t (%s)", decision.UseSegmentation && res.AcceptRanges, decision.Reason))
			output.KeyValue("segments", strconv.Itoa(decision.SegmentCount))
			output.KeyValue("threads", fmt.Sprintf("%d (cpu %d, mem %d, bw %d, size %d)", b.Final, b.CPU, b.Memory, b.Bandwidth, b.FileSize))
			if bw > 0 {
				output.KeyValue("history", utils.FormatSpeed(bw, 1))
			}
		},
	}
}

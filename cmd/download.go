package cmd

import (
	"context"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidrelay/internal/manager"
	"github.com/tanq16/vidrelay/internal/output"
	"github.com/tanq16/vidrelay/internal/publish"
	"github.com/tanq16/vidrelay/internal/scheduler"
	"github.com/tanq16/vidrelay/internal/utils"
)

func newDownloadCmd() *cobra.Command {
	var (
		outputPath string
		title      string
		size       int64
		segments   int
		noSegment  bool
		publishTo  string
	)

	cmd := &cobra.Command{
		Use:   "download URL... [--output PATH]",
		Short: "Download a media resource; several URLs form one multi-part request",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			for _, raw := range args {
				if u, err := url.Parse(raw); err != nil || u.Host == "" {
					output.PrintError("Invalid URL: " + raw)
					os.Exit(1)
				}
			}
			var target *publish.Target
			if publishTo != "" {
				t, err := publish.ParseTarget(publishTo)
				if err != nil {
					output.PrintError(err.Error())
					os.Exit(1)
				}
				target = &t
			}

			a, err := newApp()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			req := buildRequest(args, outputPath, title, a.cfg.Download.OutputDir)
			req.TotalSize = size
			req.SegmentHint = segments
			req.DisableSegmentation = noSegment

			job := scheduler.Job{Request: req}
			if target != nil {
				job.After = publishStep(*target, awsPublisher(""))
			}
			failed := runJobs(a, []scheduler.Job{job})
			a.close()
			if failed {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (one URL) or directory (several URLs)")
	cmd.Flags().StringVar(&title, "title", "", "Title used to name output files")
	cmd.Flags().Int64Var(&size, "size", 0, "Estimated total size in bytes, if known")
	cmd.Flags().IntVarP(&segments, "segments", "s", 0, "Segment count hint (default computed from size)")
	cmd.Flags().BoolVar(&noSegment, "no-segment", false, "Disable segmented download")
	cmd.Flags().StringVar(&publishTo, "publish", "", "Upload finished files to s3://bucket/key")
	return cmd
}

func buildRequest(urls []string, outputPath, title, defaultDir string) manager.Request {
	req := manager.Request{Title: title, OutputDir: defaultDir}
	if len(urls) == 1 {
		out := outputPath
		if out == "" && title == "" {
			out = filepath.Join(defaultDir, fileNameFromURL(urls[0]))
		}
		if out != "" {
			if _, err := os.Stat(out); err == nil {
				out = utils.RenewOutputPath(out)
			}
		}
		req.Parts = []manager.Part{{URL: urls[0], OutputPath: out}}
		return req
	}
	if outputPath != "" {
		req.OutputDir = outputPath
	}
	if req.Title == "" {
		req.Title = trimExt(fileNameFromURL(urls[0]))
	}
	for _, u := range urls {
		req.Parts = append(req.Parts, manager.Part{URL: u, Title: trimExt(fileNameFromURL(u))})
	}
	return req
}

func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "video.mp4"
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return "video.mp4"
	}
	name := utils.SanitizeFilename(base)
	if filepath.Ext(name) == "" {
		name += ".mp4"
	}
	return name
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}

// sharedPublisher builds the publisher on first use and hands the same one to
// every job.
func sharedPublisher(build func(context.Context) (*publish.Publisher, error)) func(context.Context) (*publish.Publisher, error) {
	var (
		once sync.Once
		p    *publish.Publisher
		err  error
	)
	return func(ctx context.Context) (*publish.Publisher, error) {
		once.Do(func() { p, err = build(ctx) })
		return p, err
	}
}

// awsPublisher loads AWS config for profile once. A profile of "" uses the
// default credential chain.
func awsPublisher(profile string) func(context.Context) (*publish.Publisher, error) {
	return sharedPublisher(func(ctx context.Context) (*publish.Publisher, error) {
		return publish.NewPublisher(ctx, profile)
	})
}

// publishStep uploads every output of a finished request.
func publishStep(target publish.Target, publisher func(context.Context) (*publish.Publisher, error)) func(context.Context, manager.Result) error {
	return func(ctx context.Context, res manager.Result) error {
		p, err := publisher(ctx)
		if err != nil {
			return err
		}
		t := target
		if len(res.Paths) > 1 && t.Key != "" && t.Key[len(t.Key)-1] != '/' {
			t.Key += "/"
		}
		for _, local := range res.Paths {
			if _, err := p.Publish(ctx, local, t); err != nil {
				return err
			}
		}
		return nil
	}
}

// runJobs drives jobs through the scheduler with the terminal display and
// reports whether any failed.
func runJobs(a *app, jobs []scheduler.Job) bool {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	display := output.NewManager()
	display.StartDisplay()
	_, err := scheduler.Run(ctx, jobs, a.cfg.Download.Workers, a.manager, display)
	display.StopDisplay()
	if err != nil {
		output.PrintError(err.Error())
		return true
	}
	return false
}

package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/vidrelay/internal/output"
	"github.com/tanq16/vidrelay/internal/publish"
	"github.com/tanq16/vidrelay/internal/scheduler"
)

func newBatchCmd() *cobra.Command {
	var awsProfile string

	cmd := &cobra.Command{
		Use:   "batch YAML_FILE",
		Short: "Run the downloads listed in a YAML file",
		Long: `Run the downloads listed in a YAML file. Each entry looks like:

  - title: Show
    output: ./show
    links: [https://cdn.example/ep1.mp4, https://cdn.example/ep2.mp4]
    size: 524288000
    segments: 4
    no_segment: false
    publish: s3://bucket/show/`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			entries, err := scheduler.LoadBatch(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			jobs := make([]scheduler.Job, 0, len(entries))
			publisher := awsPublisher(awsProfile)
			for _, e := range entries {
				jobs = append(jobs, scheduler.Job{})
				if e.Publish == "" {
					continue
				}
				target, err := publish.ParseTarget(e.Publish)
				if err != nil {
					output.PrintError(err.Error())
					os.Exit(1)
				}
				jobs[len(jobs)-1].After = publishStep(target, publisher)
			}

			a, err := newApp()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			for i, e := range entries {
				jobs[i].Request = e.Request(a.cfg.Download.OutputDir)
			}
			failed := runJobs(a, jobs)
			a.close()
			if failed {
				os.Exit(1)
			}
		},
	}
	cmd.Flags().StringVar(&awsProfile, "aws-profile", "", "AWS shared config profile for publish targets")
	return cmd
}

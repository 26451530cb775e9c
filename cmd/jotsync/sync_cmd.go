package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jotsync/jotsync/internal/client"
	"github.com/jotsync/jotsync/internal/synchronizer"
	"github.com/spf13/cobra"
)

func newSyncCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		watch    bool
		progress bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the profile with the sync target",
		Long: `Synchronize the profile with the sync target. With --interval the command
keeps running and syncs again after every interval until interrupted. With
--watch a filesystem or server target is also watched, and changes made by
other clients start a sync right away.`,
		Args: cobra.NoArgs,
		RunE: a.withClient(func(cmd *cobra.Command, c *client.Client, args []string) error {
			out := cmd.OutOrStdout()
			if progress {
				stop := watchProgress(c.Synchronizer(), cmd.ErrOrStderr())
				defer stop()
			}

			if watch && interval == 0 {
				return errors.New("--watch needs --interval")
			}
			if interval > 0 {
				var wake <-chan struct{}
				if watch {
					w, err := c.WatchTarget(cmd.Context())
					if err != nil {
						return err
					}
					defer w.Stop()
					wake = w.Changes()
				}
				fmt.Fprintf(out, "%s every %s, press Ctrl+C to stop\n", headStyle.Render("syncing"), interval)
				return c.Run(cmd.Context(), interval, wake, func(r *synchronizer.Report, err error) {
					printReport(out, r)
				})
			}

			// A signal asks the run to stop between items; the run itself
			// keeps a live context so in-flight transfers finish cleanly.
			runCtx, done := context.WithCancel(context.WithoutCancel(cmd.Context()))
			defer done()
			go func() {
				select {
				case <-cmd.Context().Done():
					c.Synchronizer().Cancel()
				case <-runCtx.Done():
				}
			}()

			report, err := c.Sync(runCtx)
			printReport(out, report)
			return err
		}),
	}

	cmd.Flags().DurationVarP(&interval, "interval", "i", 0, "keep syncing at this interval")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "also sync when the sync target changes")
	cmd.Flags().BoolVar(&progress, "progress", false, "print progress to stderr")
	return cmd
}

// watchProgress prints a line whenever the sync changes phase.
func watchProgress(s *synchronizer.Synchronizer, w io.Writer) (stop func()) {
	ch := s.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := synchronizer.StateIdle
		for r := range ch {
			if r.State == last {
				continue
			}
			last = r.State
			line := string(r.State)
			if r.State == synchronizer.StateApplyingRemoteChanges && r.FetchingTotal > 0 {
				line = fmt.Sprintf("%s %d/%d", line, r.FetchingProcessed, r.FetchingTotal)
			}
			fmt.Fprintln(w, mutedStyle.Render("> "+line))
		}
	}()
	return func() {
		s.Unsubscribe(ch)
		<-done
	}
}

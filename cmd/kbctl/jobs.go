package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kbflow/internal/models"
	"kbflow/internal/storage"
)

func jobsCMD() *cobra.Command {
	var f storage.JobFilter
	var status, jobType string
	c := &cobra.Command{
		Use:   "jobs",
		Short: "List pipeline jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			f.Status = models.JobStatus(status)
			f.Type = models.JobType(jobType)
			jobs, err := a.jobs.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, jobs)
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%s  %-5s  %-9s  %s", j.ID, j.Type, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"))
				if j.Retries > 0 {
					line += fmt.Sprintf("  retries=%d", j.Retries)
				}
				if j.Error != nil {
					line += "  error=" + *j.Error
				}
				cmd.Println(line)
			}
			return nil
		}),
	}
	c.Flags().StringVar(&status, "status", "", "pending, running, succeeded or failed")
	c.Flags().StringVar(&jobType, "type", "", "parse, chunk or embed")
	c.Flags().StringVar(&f.DocumentID, "document", "", "only jobs for this document")
	c.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of jobs")
	c.AddCommand(&cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			j, err := a.jobs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, j)
		}),
	})
	return c
}

func workCMD() *cobra.Command {
	var once bool
	c := &cobra.Command{
		Use:   "work",
		Short: "Run the pipeline worker in the foreground",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			w, err := a.worker(cmd.Context())
			if err != nil {
				return err
			}
			if !once {
				return w.Run(cmd.Context())
			}
			ran, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if !ran {
				cmd.Println("no pending jobs")
			}
			return nil
		}),
	}
	c.Flags().BoolVar(&once, "once", false, "process at most one job and exit")
	return c
}

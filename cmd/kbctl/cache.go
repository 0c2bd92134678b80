package main

import (
	"github.com/spf13/cobra"

	"kbflow/internal/util"
)

func cacheCMD() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Manage the per-owner knowledge cache",
	}
	c.AddCommand(
		&cobra.Command{
			Use:   "add CHUNK_ID...",
			Short: "Add chunks of ready documents to the cache",
			Args:  cobra.MinimumNArgs(1),
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				kc, err := a.knowledgeCache(cmd.Context())
				if err != nil {
					return err
				}
				n, err := kc.AddChunks(cmd.Context(), ownerID, args)
				if err != nil {
					return err
				}
				cmd.Printf("cached %d of %d chunk(s)\n", n, len(args))
				return nil
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List cached chunks, oldest first",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				kc, err := a.knowledgeCache(cmd.Context())
				if err != nil {
					return err
				}
				chunks := kc.GetCachedChunks(cmd.Context(), ownerID)
				if asJSON {
					return printJSON(cmd, chunks)
				}
				if len(chunks) == 0 {
					cmd.Println("Cache is empty.")
					return nil
				}
				for _, ch := range chunks {
					cmd.Printf("%s  %s #%d  %s\n", ch.ID, ch.DocumentTitle, ch.ChunkIndex, util.DisplaySnippet(ch.Content, 80))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "remove CHUNK_ID",
			Short: "Remove one chunk from the cache",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				kc, err := a.knowledgeCache(cmd.Context())
				if err != nil {
					return err
				}
				return kc.RemoveChunk(cmd.Context(), ownerID, args[0])
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached chunk",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				kc, err := a.knowledgeCache(cmd.Context())
				if err != nil {
					return err
				}
				return kc.ClearCache(cmd.Context(), ownerID)
			}),
		},
		&cobra.Command{
			Use:   "count",
			Short: "Print the number of cached chunks",
			Args:  cobra.NoArgs,
			RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
				kc, err := a.knowledgeCache(cmd.Context())
				if err != nil {
					return err
				}
				n, err := kc.Count(cmd.Context(), ownerID)
				if err != nil {
					return err
				}
				cmd.Println(n)
				return nil
			}),
		},
	)
	return c
}

package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"kbflow/internal/util"
	"kbflow/internal/vector"
)

type searchFlags struct {
	limit      int
	threshold  float64
	collection string
}

func (f *searchFlags) register(c *cobra.Command) {
	c.Flags().IntVarP(&f.limit, "limit", "n", 0, "maximum number of results (default from config)")
	c.Flags().Float64Var(&f.threshold, "threshold", 0, "minimum similarity, exclusive (default from config)")
	c.Flags().StringVar(&f.collection, "collection", "", "restrict to one collection id")
}

func (f *searchFlags) options(cmd *cobra.Command) vector.Options {
	opts := vector.Options{CollectionID: f.collection, Limit: f.limit}
	if cmd.Flags().Changed("threshold") {
		t := f.threshold
		opts.Threshold = &t
	}
	return opts
}

func searchCMD() *cobra.Command {
	var f searchFlags
	c := &cobra.Command{
		Use:   "search QUERY",
		Short: "Similarity search over ready documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			s, err := a.searcher()
			if err != nil {
				return err
			}
			results, err := s.Search(cmd.Context(), ownerID, strings.Join(args, " "), f.options(cmd))
			if errors.Is(err, vector.ErrEmbeddingUnavailable) {
				cmd.PrintErrln("The embedding service is unavailable. Check the provider configuration and retry.")
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, results)
			}
			if len(results) == 0 {
				cmd.Println("No results found.")
				return nil
			}
			for i, r := range results {
				cmd.Printf("[%d] %.3f  %s #%d  (%s)\n", i+1, r.Similarity, r.DocumentTitle, r.ChunkIndex, r.ChunkID)
				cmd.Printf("    %s\n", util.DisplaySnippet(r.Content, 200))
			}
			return nil
		}),
	}
	f.register(c)
	return c
}

func askCMD() *cobra.Command {
	var f searchFlags
	c := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the knowledge cache or vector search",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			r, err := a.retriever(cmd.Context())
			if err != nil {
				return err
			}
			ans, err := r.Ask(cmd.Context(), ownerID, strings.Join(args, " "), f.options(cmd))
			if err != nil {
				return err
			}
			if asJSON {
				sources := make([]map[string]any, 0, len(ans.Context.Sources))
				for _, s := range ans.Context.Sources {
					sources = append(sources, map[string]any{
						"chunk_id":       s.ChunkID,
						"document_title": s.DocumentTitle,
						"chunk_index":    s.ChunkIndex,
						"similarity":     s.Similarity,
					})
				}
				return printJSON(cmd, map[string]any{
					"answer":       ans.Text,
					"from_cache":   ans.Context.FromCache,
					"generated":    ans.Generated,
					"llm_provider": ans.Provider,
					"llm_model":    ans.Model,
					"sources":      sources,
				})
			}
			cmd.Println(ans.Text)
			if len(ans.Context.Sources) > 0 {
				origin := "vector search"
				if ans.Context.FromCache {
					origin = "knowledge cache"
				}
				cmd.Printf("\n%d source(s) from %s\n", len(ans.Context.Sources), origin)
			}
			return nil
		}),
	}
	f.register(c)
	return c
}

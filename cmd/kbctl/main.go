package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	ownerID string
	asJSON  bool
)

func main() {
	_ = godotenv.Load(".env")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCMD().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func rootCMD() *cobra.Command {
	root := &cobra.Command{
		Use:           "kbctl",
		Short:         "Operate the kbflow knowledge base pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&ownerID, "owner", getenv("KBFLOW_OWNER", "local"), "owner id documents are scoped to")
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		migrateCMD(),
		ingestCMD(),
		pasteCMD(),
		reprocessCMD(),
		deleteCMD(),
		documentsCMD(),
		collectionsCMD(),
		searchCMD(),
		askCMD(),
		cacheCMD(),
		jobsCMD(),
		workCMD(),
	)
	return root
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

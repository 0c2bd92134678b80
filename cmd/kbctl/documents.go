package main

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"kbflow/internal/ingest"
)

func printResult(cmd *cobra.Command, res ingest.Result) error {
	if asJSON {
		return printJSON(cmd, map[string]any{
			"document_id": res.Document.ID,
			"version_id":  res.Version.ID,
			"version":     res.Version.Version,
			"title":       res.Document.Title,
			"job_id":      res.JobID,
			"sha256":      res.SHA256,
		})
	}
	cmd.Printf("%s  v%d  %q  job=%s\n", res.Document.ID, res.Version.Version, res.Document.Title, res.JobID)
	return nil
}

func ingestCMD() *cobra.Command {
	var title, collection, documentID, contentType string
	c := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Upload files and queue them for parsing",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			if len(args) > 1 && (title != "" || documentID != "") {
				return fmt.Errorf("--title and --document apply to a single file")
			}
			svc, err := a.ingestService(cmd.Context())
			if err != nil {
				return err
			}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				ct := contentType
				if ct == "" {
					ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
				}
				res, err := svc.Upload(cmd.Context(), ingest.UploadInput{
					OwnerID:      ownerID,
					DocumentID:   documentID,
					Title:        title,
					CollectionID: optionalString(collection),
					Filename:     filepath.Base(path),
					ContentType:  ct,
					Data:         data,
				})
				if err != nil {
					return fmt.Errorf("ingest %s: %w", path, err)
				}
				if err := printResult(cmd, res); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	c.Flags().StringVar(&title, "title", "", "document title (default: file name)")
	c.Flags().StringVar(&collection, "collection", "", "collection id")
	c.Flags().StringVar(&documentID, "document", "", "add a new version to this document")
	c.Flags().StringVar(&contentType, "content-type", "", "override the detected content type")
	return c
}

func pasteCMD() *cobra.Command {
	var title, collection string
	c := &cobra.Command{
		Use:   "paste [TEXT]",
		Short: "Store pasted text as a document (reads stdin without TEXT)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			var content string
			if len(args) == 1 {
				content = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = string(data)
			}
			svc, err := a.ingestService(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Paste(cmd.Context(), ingest.PasteInput{
				OwnerID:      ownerID,
				Title:        title,
				CollectionID: optionalString(collection),
				Content:      content,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		}),
	}
	c.Flags().StringVar(&title, "title", "", "document title")
	c.Flags().StringVar(&collection, "collection", "", "collection id")
	return c
}

func reprocessCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess DOCUMENT_ID",
		Short: "Re-run the pipeline for the latest version of a document",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			svc, err := a.ingestService(cmd.Context())
			if err != nil {
				return err
			}
			res, err := svc.Reprocess(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		}),
	}
}

func deleteCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "delete DOCUMENT_ID",
		Short: "Delete a document with its versions, chunks and blobs",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			svc, err := a.ingestService(cmd.Context())
			if err != nil {
				return err
			}
			if err := svc.Delete(cmd.Context(), ownerID, args[0]); err != nil {
				return err
			}
			cmd.Printf("deleted %s\n", args[0])
			return nil
		}),
	}
}

func documentsCMD() *cobra.Command {
	c := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "List documents",
		Args:    cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			docs, err := a.documents.ListByOwner(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, docs)
			}
			if len(docs) == 0 {
				cmd.Println("No documents.")
				return nil
			}
			for _, d := range docs {
				cmd.Printf("%s  %-10s  %s\n", d.ID, d.Status, d.Title)
			}
			return nil
		}),
	}
	c.AddCommand(&cobra.Command{
		Use:   "show DOCUMENT_ID",
		Short: "Show a document with its versions and chunk counts",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			doc, err := a.documents.Get(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, doc)
			}
			cmd.Printf("%s  %s  %q\n", doc.ID, doc.Status, doc.Title)
			for _, v := range doc.Versions {
				chunks, err := a.chunks.ListByVersion(cmd.Context(), v.ID)
				if err != nil {
					return err
				}
				missing, err := a.chunks.CountMissingEmbeddings(cmd.Context(), v.ID)
				if err != nil {
					return err
				}
				line := fmt.Sprintf("  v%d  %-10s  chunks=%d unembedded=%d", v.Version, v.Status, len(chunks), missing)
				if v.Error != nil {
					line += "  error=" + *v.Error
				}
				cmd.Println(line)
			}
			return nil
		}),
	})
	return c
}

func collectionsCMD() *cobra.Command {
	c := &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			cols, err := a.collections.List(cmd.Context(), ownerID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, cols)
			}
			for _, col := range cols {
				cmd.Printf("%s  %s\n", col.ID, col.Name)
			}
			return nil
		}),
	}
	c.AddCommand(&cobra.Command{
		Use:   "create NAME",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			col, err := a.collections.Create(cmd.Context(), ownerID, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, col)
			}
			cmd.Printf("%s  %s\n", col.ID, col.Name)
			return nil
		}),
	})
	return c
}

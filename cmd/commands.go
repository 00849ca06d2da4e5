package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/pkg/conversation"
	"github.com/xhad/groundnotes/pkg/ingest"
	"github.com/xhad/groundnotes/server"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var crawl bool

	cmd := &cobra.Command{
		Use:   "ingest <file-or-url>...",
		Short: "Save documents and prepare them for questions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.ingest(cmd.Context(), opts.owner, args, crawl)
			for _, id := range ids {
				fmt.Println(id)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&crawl, "crawl", false, "Follow same-site links from URLs up to scraper.max_depth")
	return cmd
}

func isURL(arg string) bool {
	return strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://")
}

// ingest loads, saves and processes each source, returning the ids of the
// documents that were processed.
func (a *app) ingest(ctx context.Context, owner string, sources []string, crawl bool) ([]string, error) {
	var docs []models.Document
	for _, src := range sources {
		switch {
		case isURL(src) && crawl:
			var pages []models.Document
			err := spin(fmt.Sprintf(" Crawling %s...", src), func() (err error) {
				pages, err = a.fetcher.Crawl(ctx, src)
				return err
			})
			if err != nil {
				return nil, err
			}
			docs = append(docs, pages...)
		case isURL(src):
			doc, err := a.fetcher.Fetch(ctx, src)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		default:
			doc, err := ingest.LoadTextFile(src)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}

	bar := getProgressBar(len(docs), "Processing documents")
	var ids []string
	for _, doc := range docs {
		doc.OwnerID = owner
		saved, err := a.docs.CreateDocument(ctx, doc)
		if err != nil {
			return ids, err
		}
		if _, err := a.tracker.EnsureProcessed(ctx, saved.ID, saved.Content); err != nil {
			bar.Finish()
			return ids, fmt.Errorf("failed to process %s: %w", saved.Source, err)
		}
		ids = append(ids, saved.ID)
		bar.Add(1)
	}
	bar.Finish()
	color.Green("\n✓ Processed %d document(s)\n", len(ids))
	return ids, nil
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show whether a document is ready for questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.tracker.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			chunks, err := a.vectors.CountChunks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printStatus(status, chunks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}

func printStatus(status models.ProcessingStatus, chunks int) {
	state := string(status.State)
	switch status.State {
	case models.StateProcessed:
		state = color.GreenString(state)
	case models.StateFailed:
		state = color.RedString(state)
	case models.StateProcessing:
		state = color.YellowString(state)
	}
	fmt.Printf("document: %s\nstate:    %s\nchunks:   %d\n", status.DocumentID, state, chunks)
	if status.ProcessedAt != nil {
		fmt.Printf("processed at: %s\n", status.ProcessedAt.Format("2006-01-02 15:04:05 MST"))
	}
}

func newReprocessCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Discard a document's chunks and process it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			doc, err := a.docs.GetDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			err = spin(" Reprocessing...", func() error {
				_, err := a.tracker.Reprocess(cmd.Context(), doc.ID, doc.Content)
				return err
			})
			if err != nil {
				return err
			}
			color.Green("✓ Reprocessed %s\n", doc.ID)
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and their chunks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.tracker.Delete(cmd.Context(), id); err != nil {
					return err
				}
				color.Green("✓ Deleted %s\n", id)
			}
			return nil
		},
	}
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		docIDs []string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask one question about your documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var answer *conversation.Answer
			err = spin(" Thinking...", func() (err error) {
				answer, err = a.orchestrator.Answer(cmd.Context(), conversation.Request{
					Query: strings.Join(args, " "),
					Scope: models.Scope{DocumentIDs: docIDs},
				})
				return err
			})
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(answer)
			}
			fmt.Println(answer.ResponseText)
			color.HiBlack("\n(%d source chunk(s))", answer.SourcesUsed)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&docIDs, "doc", "d", nil, "Restrict to these document ids")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the answer as JSON")
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.config.Server.Addr
			}
			srv := server.New(server.Config{
				Addr:           addr,
				AllowedOrigins: a.config.Server.AllowedOrigins,
				MaxHistory:     2 * *a.config.Conversation.MaxHistoryTurns,
				Logger:         a.logger,
			}, a.orchestrator, a.tracker)
			return srv.ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr)")
	return cmd
}

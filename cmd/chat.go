package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/pkg/conversation"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		docIDs []string
		files  []string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with your documents",
		Long: `Start an interactive chat. Paste a URL to add that page to the conversation,
type /reset to forget the history and exit to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(files) > 0 {
				ids, err := a.ingest(ctx, opts.owner, files, false)
				if err != nil {
					return err
				}
				docIDs = append(docIDs, ids...)
			}

			color.Cyan("\nChat with your documents (type 'exit' to quit)")
			if len(docIDs) > 0 {
				color.HiBlack("Scope: %s", strings.Join(docIDs, ", "))
			}

			scanner := bufio.NewScanner(os.Stdin)
			userPrompt := color.New(color.FgGreen).PrintfFunc()
			assistantPrompt := color.New(color.FgCyan).PrintfFunc()

			var history []models.ConversationTurn
			for {
				userPrompt("\nYou: ")
				if !scanner.Scan() {
					break
				}

				query := strings.TrimSpace(scanner.Text())
				switch strings.ToLower(query) {
				case "":
					continue
				case "exit", "quit":
					return nil
				case "/reset":
					history = nil
					color.Yellow("History cleared")
					continue
				}

				if url := urlRegex.FindString(query); url != "" {
					color.Blue("\nDetected URL: %s", url)
					ids, err := a.ingest(ctx, opts.owner, []string{url}, false)
					if err != nil {
						color.Red("Failed to add URL: %v\n", err)
						continue
					}
					docIDs = append(docIDs, ids...)

					query = strings.TrimSpace(strings.Replace(query, url, "", 1))
					if query == "" {
						continue
					}
				}

				var answer *conversation.Answer
				err := spin(" Thinking...", func() (err error) {
					answer, err = a.orchestrator.Answer(ctx, conversation.Request{
						Query:   query,
						Scope:   models.Scope{DocumentIDs: docIDs},
						History: history,
					})
					return err
				})
				if err != nil {
					color.Red("Error: %v\n", err)
					if ctx.Err() != nil {
						return ctx.Err()
					}
					continue
				}

				assistantPrompt("\nAssistant: %s\n", answer.ResponseText)
				if answer.SourcesUsed == 0 {
					color.HiBlack("(no matching passages in your documents)")
				} else {
					color.HiBlack("(%d source chunk(s))", answer.SourcesUsed)
				}

				history = append(history,
					models.ConversationTurn{Role: models.RoleUser, Content: query},
					models.ConversationTurn{Role: models.RoleAssistant, Content: answer.ResponseText},
				)
			}
			fmt.Println()
			return scanner.Err()
		},
	}
	cmd.Flags().StringSliceVarP(&docIDs, "doc", "d", nil, "Restrict to these document ids")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Ingest these files before chatting")
	return cmd
}

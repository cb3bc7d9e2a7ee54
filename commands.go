package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fabfab/hoa-agent/analysis"
	"github.com/fabfab/hoa-agent/api"
	"github.com/fabfab/hoa-agent/chat"
	"github.com/fabfab/hoa-agent/database"
	"github.com/fabfab/hoa-agent/knowledge"
)

const previewLength = 500

var (
	analyzeCompare bool
	analyzeWorkers int
	chatQuestion   string
	chatStream     bool
	serveAddr      string
	clearConfirmed bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <pdf>",
	Short: "Summarise every page of a report and list its loans",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		analyzer, err := a.analyzer(analyzeWorkers)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Analyzing the report...")

		res, err := analyzer.Analyze(ctx, args[0])
		var partial *analysis.PartialError
		if err != nil && !errors.As(err, &partial) {
			return fmt.Errorf("analyze: %w", err)
		}

		printResult(out, res)
		if partial != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nWarning: %v\n", partial)
		}

		if analyzeCompare {
			table, err := analyzer.CompareResult(ctx, res)
			if err != nil {
				return fmt.Errorf("compare: %w", err)
			}
			fmt.Fprintln(out, "\nLoan comparison:")
			printTable(out, table)
		}
		return nil
	},
}

var compareCmd = &cobra.Command{
	Use:   "compare <pdf>",
	Short: "Consolidate the loans of a report into a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		analyzer, err := a.analyzer(0)
		if err != nil {
			return err
		}

		res, err := analyzer.Analyze(ctx, args[0])
		var partial *analysis.PartialError
		if err != nil && !errors.As(err, &partial) {
			return fmt.Errorf("analyze: %w", err)
		}
		if partial != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", partial)
		}

		table, err := analyzer.CompareResult(ctx, res)
		if err != nil {
			return fmt.Errorf("compare: %w", err)
		}
		printTable(cmd.OutOrStdout(), table)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <pdf>",
	Short: "Ask questions about a report",
	Long: `Ask questions about a report. With --question a single answer is printed;
otherwise questions are read from stdin until EOF or "exit", and the
conversation history is carried between them. With --stream the answer is
printed as it is generated; the report text is then sent with every question
instead of being read through the pdf tool.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		svc, err := a.chatService()
		if err != nil {
			return err
		}

		path := args[0]
		history := chat.NewHistory(a.cfg.Agent.HistoryLimit)
		out := cmd.OutOrStdout()

		streaming := chatStream && svc.CanStream()
		if chatStream && !streaming {
			a.logger.Printf("llm provider %s cannot stream, waiting for full answers", a.cfg.LLM.Provider)
		}

		ask := func(question string) error {
			var (
				answer *chat.Answer
				err    error
			)
			if streaming {
				answer, err = svc.RespondStream(ctx, question, history.Entries(), path, func(chunk string) error {
					_, werr := fmt.Fprint(out, chunk)
					return werr
				})
				fmt.Fprintln(out)
			} else {
				answer, err = svc.Respond(ctx, question, history.Entries(), path)
				if err == nil {
					fmt.Fprintln(out, answer.Text())
				}
			}
			if err != nil {
				return err
			}
			history.Add(question, answer.Text())
			return nil
		}

		if strings.TrimSpace(chatQuestion) != "" {
			return ask(chatQuestion)
		}

		scanner := bufio.NewScanner(cmd.InOrStdin())
		for {
			fmt.Fprint(out, "\nEnter your question (or 'exit'): ")
			if !scanner.Scan() {
				break
			}
			question := strings.TrimSpace(scanner.Text())
			if question == "" {
				continue
			}
			if strings.EqualFold(question, "exit") || strings.EqualFold(question, "quit") {
				return nil
			}
			if err := ask(question); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web form and JSON API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		analyzer, err := a.analyzer(0)
		if err != nil {
			return err
		}
		agent, err := a.chatService()
		if err != nil {
			return err
		}

		srv := api.New(a.cfg, analyzer, agent,
			api.WithSessionStore(a.sessionStore()),
			api.WithLogger(a.logger),
		)
		return srv.Run(ctx, serveAddr)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove stored reports, conversations and the loan graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !clearConfirmed {
			fmt.Fprint(cmd.OutOrStdout(), "This will permanently delete stored reports, conversations and loan graph data. Continue? [y/N]: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
				return nil
			}
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
				return nil
			}
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if a.pool == nil && a.driver == nil {
			a.logger.Println("no postgres or neo4j configured, nothing to clear")
			return nil
		}

		if a.pool != nil {
			if err := database.Truncate(ctx, a.pool); err != nil {
				return fmt.Errorf("truncate postgres tables: %w", err)
			}
			a.logger.Println("cleared stored reports and conversations")
		}
		if a.driver != nil {
			if err := knowledge.Purge(ctx, a.driver); err != nil {
				return fmt.Errorf("clear neo4j: %w", err)
			}
			a.logger.Println("cleared loan graph")
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeCompare, "compare", false, "consolidate the loans into a table")
	analyzeCmd.Flags().IntVar(&analyzeWorkers, "workers", 0, "pages analysed concurrently (default from config)")
	chatCmd.Flags().StringVar(&chatQuestion, "question", "", "ask a single question and exit")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "print the answer as it is generated")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	clearCmd.Flags().BoolVar(&clearConfirmed, "confirm", false, "skip confirmation prompt")
}

func printResult(out io.Writer, res *analysis.Result) {
	fmt.Fprintf(out, "\nExtracted text (first %d characters of first page):\n", previewLength)
	fmt.Fprintln(out, analysis.Preview(res.Document, previewLength))

	fmt.Fprintln(out, "\nSummary of the HOA and its board:")
	fmt.Fprintln(out, res.SummaryText)

	fmt.Fprintln(out, "\nLoan information:")
	fmt.Fprintln(out, res.LoanText)
}

func printTable(out io.Writer, table *analysis.LoanTable) {
	if table == nil {
		fmt.Fprintln(out, "No loans found")
		return
	}
	fmt.Fprintln(out, strings.Join(table.Header, " | "))
	for _, row := range table.Rows {
		fmt.Fprintln(out, strings.Join(row, " | "))
	}
}

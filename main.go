package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"

	"github.com/fabfab/hoa-agent/analysis"
	"github.com/fabfab/hoa-agent/chat"
	"github.com/fabfab/hoa-agent/config"
	"github.com/fabfab/hoa-agent/database"
	"github.com/fabfab/hoa-agent/ingestion"
	"github.com/fabfab/hoa-agent/knowledge"
	"github.com/fabfab/hoa-agent/llm"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hoa-agent",
	Short: "Summarise HoA annual reports and answer questions about them",
	Long: `hoa-agent reads a homeowners association annual report (PDF), summarises
every page, pulls out the loan notes and consolidates them into a table.
It can also answer follow-up questions about an uploaded report, either in
the terminal or through a small web form.

Postgres (reports, conversations) and Neo4j (loan graph) are optional and
are only used when configured.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.hoa-agent/config.yaml)",
	)

	rootCmd.AddCommand(analyzeCmd, compareCmd, chatCmd, serveCmd, clearCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the configuration and the optional backing stores shared by the
// commands.
type app struct {
	cfg    config.Config
	logger *log.Logger

	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
}

func newApp(ctx context.Context) (*app, error) {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	if cfg.PostgresEnabled() {
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		a.pool = pool
	}

	if cfg.Neo4jEnabled() {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		a.driver = driver
	}

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.driver != nil {
		if err := a.driver.Close(ctx); err != nil {
			a.logger.Printf("close neo4j driver: %v", err)
		}
	}
}

func (a *app) llmClient() (llm.Client, error) {
	client, err := llm.NewClient(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	return client, nil
}

func (a *app) analyzer(workers int) (*analysis.Analyzer, error) {
	client, err := a.llmClient()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = a.cfg.Analyzer.Workers
	}

	opts := []analysis.Option{
		analysis.WithWorkers(workers),
		analysis.WithLogger(a.logger),
	}
	if a.pool != nil {
		opts = append(opts, analysis.WithStore(analysis.NewPostgresReportStore(a.pool, a.logger)))
	}
	if a.driver != nil {
		opts = append(opts, analysis.WithLoanGraph(knowledge.NewGraph(a.driver)))
	}

	return analysis.NewAnalyzer(ingestion.NewPDFExtractor(a.logger), client, opts...), nil
}

func (a *app) chatService() (*chat.Service, error) {
	client, err := a.llmClient()
	if err != nil {
		return nil, err
	}
	return chat.NewService(ingestion.NewPDFExtractor(a.logger), client, a.cfg.Agent.MaxIterations, a.logger), nil
}

func (a *app) sessionStore() chat.SessionStore {
	if a.pool != nil {
		return chat.NewPostgresSessionStore(a.pool, a.cfg.Agent.HistoryLimit, a.logger)
	}
	return chat.NewMemorySessionStore()
}

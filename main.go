package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"agentdeck/pkg/agent"
	"agentdeck/pkg/config"
	"agentdeck/pkg/exec"
	"agentdeck/pkg/gitx"
	"agentdeck/pkg/instance"
	"agentdeck/pkg/logx"
	"agentdeck/pkg/metrics"
	"agentdeck/pkg/persistence"
	"agentdeck/pkg/repo"
	termpkg "agentdeck/pkg/term"
	"agentdeck/pkg/webapi"
	"agentdeck/pkg/worktree"
)

const shutdownTimeout = 30 * time.Second

// App owns the wired component graph for one server process.
type App struct {
	cfg       *config.Config
	db        *sql.DB
	terminals *termpkg.Registry
	instances *instance.Registry
	worktrees *worktree.Manager
	server    *http.Server
	logger    *logx.Logger
}

func main() {
	// Subcommands come before flags: "agentdeck secrets set NAME".
	if len(os.Args) > 1 && os.Args[1] == "secrets" {
		if err := runSecrets(os.Args[2:]); err != nil {
			log.Fatalf("secrets: %v", err)
		}
		return
	}

	var projectDir string
	var listenAddr string
	flag.StringVar(&projectDir, "project", "", "Project directory (default: current directory)")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	flag.Parse()

	if projectDir == "" {
		projectDir, _ = os.Getwd()
	}

	cfg, err := config.Load(projectDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.logger.Info("Received signal %v, initiating graceful shutdown", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	app.logger.Info("Shutdown completed")
}

// NewApp wires the registries around the persistence layer.
func NewApp(cfg *config.Config) (*App, error) {
	logger := logx.NewLogger("agentdeck")

	db, err := persistence.InitializeDatabase(cfg.AbsDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ops := persistence.NewDatabaseOperations(db)

	recorder := metrics.NewRecorder()
	git := gitx.NewClient(exec.NewLocalExec(), cfg.Git.OperationTimeout)
	git.SetRecorder(recorder)
	repos := repo.NewRegistry(ops, git)
	worktrees := worktree.NewManager(ops, git, cfg.AbsWorktreeRoot())
	terminals := termpkg.NewRegistry(cfg.Terminal.Shell, cfg.Terminal.ScrollbackBytes)
	instances := instance.NewRegistry(ops, repos, worktrees, terminals, agent.NewFactory(cfg), recorder)
	gateway := gitx.NewGateway(git, worktrees, repos)

	var query *metrics.QueryService
	if cfg.Server.PrometheusURL != "" {
		query, err = metrics.NewQueryService(cfg.Server.PrometheusURL)
		if err != nil {
			logger.Warn("Metrics query backend unavailable: %v", err)
		}
	}

	secrets := loadSecretsIfPresent(cfg, logger)

	mux := http.NewServeMux()
	webapi.NewServer(cfg, instances, repos, worktrees, gateway, terminals, db, secrets, query, nil).RegisterRoutes(mux)

	return &App{
		cfg:       cfg,
		db:        db,
		terminals: terminals,
		instances: instances,
		worktrees: worktrees,
		server: &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

// Start runs the startup reconciliation pass and begins serving.
func (a *App) Start(ctx context.Context) error {
	if err := a.worktrees.Reconcile(ctx); err != nil {
		a.logger.Warn("Worktree reconciliation incomplete: %v", err)
	}
	if err := a.instances.Reconcile(ctx); err != nil {
		return fmt.Errorf("instance reconciliation failed: %w", err)
	}

	go func() {
		a.logger.Info("Listening on %s", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed: %v", err)
		}
	}()
	return nil
}

// Shutdown drains the HTTP server, closes every terminal session, and
// closes the database. Instance rows keep their status; the next boot's
// reconciliation pass marks interrupted work.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("HTTP drain failed: %v", err)
	}
	a.terminals.CloseAll()
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func loadSecretsIfPresent(cfg *config.Config, logger *logx.Logger) *config.SecretStore {
	projectDir := cfg.ProjectDir()
	if !config.SecretsFileExists(projectDir) {
		return config.NewSecretStore()
	}
	password := os.Getenv("AGENTDECK_SECRETS_PASSWORD")
	if password == "" {
		logger.Warn("Secrets file present but AGENTDECK_SECRETS_PASSWORD not set; secrets unavailable")
		return config.NewSecretStore()
	}
	store, err := config.LoadSecrets(projectDir, password)
	if err != nil {
		logger.Warn("Failed to decrypt secrets: %v", err)
		return config.NewSecretStore()
	}
	return store
}

// runSecrets implements "agentdeck secrets set NAME" and
// "agentdeck secrets list". The store password is prompted, never taken
// from argv.
func runSecrets(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: agentdeck secrets <set NAME|list>")
	}
	projectDir, _ := os.Getwd()

	switch args[0] {
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("usage: agentdeck secrets set NAME")
		}
		password, err := promptPassword("Store password: ")
		if err != nil {
			return err
		}
		store := config.NewSecretStore()
		if config.SecretsFileExists(projectDir) {
			store, err = config.LoadSecrets(projectDir, password)
			if err != nil {
				return err
			}
		}
		value, err := promptPassword(fmt.Sprintf("Value for %s: ", args[1]))
		if err != nil {
			return err
		}
		store.Set(args[1], value)
		if err := store.Save(projectDir, password); err != nil {
			return err
		}
		fmt.Printf("Saved %s\n", args[1])
		return nil

	case "list":
		password, err := promptPassword("Store password: ")
		if err != nil {
			return err
		}
		store, err := config.LoadSecrets(projectDir, password)
		if err != nil {
			return err
		}
		for _, name := range store.Names() {
			fmt.Println(name)
		}
		return nil

	default:
		return fmt.Errorf("unknown secrets command %q", args[0])
	}
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}

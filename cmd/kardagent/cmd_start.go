package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kardagent/pkg/board"
	"kardagent/pkg/eventlog"
	"kardagent/pkg/executor"
	"kardagent/pkg/mergeflow"
	"kardagent/pkg/rules"
	"kardagent/pkg/schedule"
	"kardagent/pkg/session"
	"kardagent/pkg/workspace"

	"github.com/spf13/cobra"
)

// authCheckTimeout bounds the startup backend auth check.
const authCheckTimeout = 30 * time.Second

// newStartCmd creates the "kardagent start" subcommand.
func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the agent against the configured board",
		Long:  "Loads kardagent.toml and kardbrd.yml, connects to the board event stream,\nand processes mentions, reactions, rules, and schedules until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "kardagent.toml", "path to the agent config file")

	return cmd
}

// runStart is the daemon body: validate rules, build the stack, consume the
// event stream until the context is cancelled.
func runStart(ctx context.Context, w io.Writer, cfg Config) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.Bootstrap(); err != nil {
		return err
	}

	status, pid, err := DaemonStatus(paths.PIDPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		return fmt.Errorf("agent already running (PID %d)", pid)
	case StatusStale:
		fmt.Fprintln(w, "removing stale PID file (process already dead)")
		_ = RemovePIDFile(paths.PIDPath)
	case StatusStopped:
	}

	rulesPath := cfg.RulesFile
	if rulesPath == "" {
		rulesPath = filepath.Join(cfg.Workdir, "kardbrd.yml")
	}

	// Fail fast on a broken rule document; warnings are advisory.
	res := rules.ValidateFile(rulesPath)
	for _, issue := range res.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", issue)
	}
	if !res.Valid() {
		for _, issue := range res.Errors() {
			fmt.Fprintf(w, "error: %s\n", issue)
		}
		return fmt.Errorf("%s has errors; fix them and restart", rulesPath)
	}

	// Assigned below, before the reloader goroutine starts; OnSwap only fires
	// from that goroutine.
	var scheduler *schedule.Scheduler

	reloader, err := rules.NewReloader(rulesPath, rules.ReloaderConfig{
		OnSwap: func(doc *rules.Document, res *rules.Result) {
			fmt.Fprintf(w, "rules reloaded: %d rules, %d schedules\n", len(doc.Rules), len(doc.Schedules))
			for _, issue := range res.Warnings() {
				fmt.Fprintf(w, "warning: %s\n", issue)
			}
			if scheduler != nil {
				if err := scheduler.Replace(doc.Schedules); err != nil {
					fmt.Fprintf(w, "warning: schedules not replaced: %v\n", err)
				}
			}
		},
		OnReject: func(res *rules.Result) {
			fmt.Fprintf(w, "rules change rejected, previous rules stay active:\n")
			for _, issue := range res.Errors() {
				fmt.Fprintf(w, "error: %s\n", issue)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	doc := reloader.Document()
	if doc.BoardID == "" {
		return fmt.Errorf("%s must set board_id", rulesPath)
	}
	agentName := doc.Agent
	if agentName == "" {
		agentName = "agent"
	}

	token := os.Getenv("KARDBRD_BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("KARDBRD_BOT_TOKEN environment variable is required")
	}

	apiURL := doc.APIURL
	if apiURL == "" {
		apiURL = os.Getenv("KARDBRD_API_URL")
	}
	if apiURL == "" {
		apiURL = "http://localhost:8000"
	}

	db, err := openEventDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	logger := eventlog.NewLogger(db)

	client := board.NewHTTPClient(apiURL, token)

	var exec executor.Executor
	switch cfg.Backend {
	case "goose":
		exec = executor.NewGoose(cfg.Timeout(), apiURL, token, &executor.ExecCommander{})
	default:
		exec = executor.NewClaude(cfg.Timeout(), apiURL, token, &executor.ExecCommander{})
	}

	// An unauthenticated backend is reported, not fatal: the operator may be
	// fixing credentials while the agent holds its subscription.
	authCtx, cancelAuth := context.WithTimeout(ctx, authCheckTimeout)
	auth := exec.CheckAuth(authCtx)
	cancelAuth()
	if auth.Authenticated {
		fmt.Fprintf(w, "backend %s authenticated (%s)\n", exec.Name(), auth.Method)
	} else {
		fmt.Fprintf(w, "warning: backend %s not authenticated: %s\n", exec.Name(), auth.Error)
		if auth.Hint != "" {
			fmt.Fprintf(w, "  %s\n", auth.Hint)
		}
	}

	manager, err := workspace.NewManager(workspace.Config{
		BaseRepo:     cfg.Workdir,
		WorktreesDir: cfg.WorktreesDir,
		MainBranch:   cfg.MainBranch,
		SetupCommand: cfg.SetupCommand,
		Executor:     cfg.Backend,
	}, &workspace.ExecGitRunner{}, &workspace.ExecShellRunner{})
	if err != nil {
		return fmt.Errorf("workspace manager: %w", err)
	}

	merger := &mergeRunner{
		client:      client,
		exec:        exec,
		log:         logger,
		baseRepo:    manager.BaseRepo(),
		baseLock:    manager.BaseLock(),
		mainBranch:  cfg.MainBranch,
		testCommand: cfg.TestCommand,
	}

	dispatcher := session.New(session.Config{
		AgentName:     agentName,
		MaxConcurrent: cfg.MaxConcurrent,
		Timeout:       cfg.Timeout(),
	}, client, manager, exec, logger, reloader.Engine, merger)

	if err := WritePIDFile(paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	runCtx, cleanup := SetupSignalHandler(ctx, paths.PIDPath)
	defer cleanup()

	scheduler, err = schedule.New(doc.BoardID, client, doc.Schedules,
		func(ctx context.Context, cardID string, sched rules.Schedule) {
			dispatcher.DispatchScheduled(ctx, cardID, sched.Name, sched.Action, sched.ModelID())
		},
		schedule.WithErrorHandler(func(sched rules.Schedule, err error) {
			fmt.Fprintf(w, "schedule %q: %v\n", sched.Name, err)
			_ = logger.Log(context.Background(), "schedule_error", "scheduler", "", "", err.Error())
		}))
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	go scheduler.Run(runCtx)
	go reloader.Run(runCtx)

	stream := board.NewSSEStream(apiURL, token, doc.BoardID)
	go func() { _ = stream.Run(runCtx) }()

	fmt.Fprintf(w, "kardagent started (PID %d, board %s, agent @%s, backend %s, max_concurrent %d)\n",
		os.Getpid(), doc.BoardID, agentName, exec.Name(), cfg.MaxConcurrent)
	_ = logger.Log(runCtx, "agent_started", "daemon", "", "", doc.BoardID)

	err = dispatcher.Run(runCtx, stream)
	if errors.Is(err, context.Canceled) {
		err = nil // SIGINT/SIGTERM shutdown is a clean exit
	}
	fmt.Fprintln(w, "shutting down, waiting for in-flight sessions")
	dispatcher.Wait()
	_ = logger.Log(context.Background(), "agent_stopped", "daemon", "", "", "")
	fmt.Fprintln(w, "agent stopped")
	return err
}

// mergeRunner adapts the merge engine to the dispatcher's handoff contract.
// Each merge command gets a fresh single-use engine.
type mergeRunner struct {
	client      board.Client
	exec        executor.Executor
	log         *eventlog.Logger
	baseRepo    string
	baseLock    sync.Locker
	mainBranch  string
	testCommand string
}

func (m *mergeRunner) Merge(ctx context.Context, cardID, workspacePath string) error {
	eng := mergeflow.New(mergeflow.Config{
		CardID:        cardID,
		WorkspacePath: workspacePath,
		BaseRepo:      m.baseRepo,
		BaseLock:      m.baseLock,
		TargetBranch:  m.mainBranch,
		TestCommand:   m.testCommand,
	}, m.client, m.exec, &workspace.ExecGitRunner{}, &mergeflow.ExecTestRunner{}, m.log)
	_, err := eng.Run(ctx)
	return err
}

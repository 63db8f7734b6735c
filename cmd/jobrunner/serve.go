package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensafely-core/job-runner/internal/coordination"
	"github.com/opensafely-core/job-runner/internal/executor"
	execk8s "github.com/opensafely-core/job-runner/internal/executor/kubernetes"
	execlocal "github.com/opensafely-core/job-runner/internal/executor/local"
	"github.com/opensafely-core/job-runner/internal/expander"
	"github.com/opensafely-core/job-runner/internal/flags"
	"github.com/opensafely-core/job-runner/internal/gitclient"
	"github.com/opensafely-core/job-runner/internal/healthserver"
	"github.com/opensafely-core/job-runner/internal/log"
	"github.com/opensafely-core/job-runner/internal/runloop"
	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/syncloop"
	"github.com/opensafely-core/job-runner/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the controller's sync loop and run loop",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Backend == "" {
		return fmt.Errorf("BACKEND must be set")
	}

	store, err := storage.Open(cfg.DatabaseFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	shutdownTracing := tracing.Init("jobrunner")
	defer shutdownTracing(context.Background())

	fl := flags.New(store)
	git := gitclient.New()

	exp := expander.New(store, git, expander.Config{
		GitHubProxyDomain: cfg.GitHubProxyDomain,
		ActionsGitHubOrg:  cfg.ActionsGitHubOrg,
		AllowedImages:     cfg.AllowedImages,
	})

	exec, err := buildExecutor(git)
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}

	client := coordination.New(cfg.JobServerEndpoint, cfg.JobServerToken, cfg.Backend, fl.HeaderJSON)

	sync := syncloop.New(store, client, exp, cfg.PollInterval)
	run := runloop.New(store, fl, exec, runloop.Config{
		Backend:         cfg.Backend,
		MaxWorkers:      cfg.MaxWorkers,
		Interval:        cfg.JobLoopInterval,
		StuckJobTimeout: cfg.StuckJobTimeout,
		DatabaseURLs:    cfg.DatabaseURLs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := healthserver.New(func() (string, string) {
		if _, err := store.FindJobsByBackend(cfg.Backend); err != nil {
			return "storage", err.Error()
		}
		return "storage", ""
	})
	logger := log.WithComponent("serve")
	go func() {
		if err := health.ListenAndServe(cfg.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	done := make(chan struct{}, 2)
	go func() { sync.Run(ctx); done <- struct{}{} }()
	go func() { run.Run(ctx); done <- struct{}{} }()

	logger.Info().Str("backend", cfg.Backend).Msg("controller started")
	<-ctx.Done()
	<-done
	<-done
	return nil
}

func buildExecutor(git *gitclient.Client) (executor.Executor, error) {
	switch cfg.ExecutorBackend {
	case "kubernetes":
		return execk8s.New(execk8s.Config{UseLocalKubeconfig: false})
	default:
		return execlocal.New("/run/containerd/containerd.sock", cfg.HighPrivacyStorageBase, cfg.MediumPrivacyStorageBase, cfg.StataLicense, git)
	}
}

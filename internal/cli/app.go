package cli

import (
	"fmt"
	"os"

	"github.com/pair-review/pair-review/internal/analysis"
	"github.com/pair-review/pair-review/internal/config"
	"github.com/pair-review/pair-review/internal/llm"
	"github.com/pair-review/pair-review/internal/progress"
	"github.com/pair-review/pair-review/internal/provider/github"
	"github.com/pair-review/pair-review/internal/pubsub"
	"github.com/pair-review/pair-review/internal/repo"
	"github.com/pair-review/pair-review/internal/setup"
	"github.com/pair-review/pair-review/internal/store"
)

// app bundles the wired subsystems the commands operate on.
type app struct {
	store     *store.Store
	manager   *repo.Manager
	github    *github.Backend
	llm       *llm.CopilotClient
	progress  *progress.Broker
	pubsub    *pubsub.Broker
	setups    *setup.Orchestrator
	scheduler *analysis.Scheduler
}

func newApp() (*app, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	st, err := store.Open(config.StorePath(configDir))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	git := repo.ExecGit{}
	manager := repo.NewManager(git, config.WorktreesDir(configDir), config.ReposDir(configDir),
		appConfig.Monorepos, st)
	backend := github.NewBackend(appConfig.GitHub.Token)
	prog := progress.NewBroker(0)
	ps := pubsub.NewBroker()
	llmClient := llm.NewCopilotClient(appConfig.Analysis.Model)

	return &app{
		store:     st,
		manager:   manager,
		github:    backend,
		llm:       llmClient,
		progress:  prog,
		pubsub:    ps,
		setups:    setup.New(st, backend, manager, git, prog),
		scheduler: analysis.NewScheduler(st, llmClient, analysis.NewRunPublisher(ps, prog), manager, appConfig, configDir),
	}, nil
}

func (a *app) close() {
	a.llm.Stop()
	a.store.Close()
}

package main

import (
	"fmt"
	"time"

	"loopkeeper/internal/cascade"
	"loopkeeper/internal/config"
	"loopkeeper/internal/fragment"
	"loopkeeper/internal/hierarchy"
	"loopkeeper/internal/ingest"
	"loopkeeper/internal/shadow"
	"loopkeeper/internal/store"
)

// appEnv wires the components every command needs. Commands open it lazily
// so that `loopkeeper init` can run before any state exists.
type appEnv struct {
	cfg      *config.Config
	reg      *hierarchy.Registry
	store    *store.Store
	shadows  *shadow.Manager
	orch     *cascade.Orchestrator
	detector *fragment.Detector
	scanner  *ingest.Scanner
}

func openEnv() (*appEnv, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	reg := hierarchy.NewRegistry()
	s, err := store.New(cfg.DataDir, reg, store.WithLockTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to open cascade store: %w", err)
	}

	shadows := shadow.NewManager(s, reg)
	return &appEnv{
		cfg:      cfg,
		reg:      reg,
		store:    s,
		shadows:  shadows,
		orch:     cascade.NewOrchestrator(s, reg, shadows),
		detector: fragment.NewDetector(s, reg),
		scanner:  ingest.NewScanner(cfg.LoopDir, shadows),
	}, nil
}

// parseLevel resolves a level name argument against the registry.
func (e *appEnv) parseLevel(name string) (hierarchy.Level, error) {
	return e.reg.Parse(name)
}

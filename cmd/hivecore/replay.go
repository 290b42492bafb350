package main

import (
	"context"
	"fmt"
	"sort"

	"hivecore/internal/domain"
	"hivecore/internal/infra/config"
	"hivecore/internal/infra/logger"
	"hivecore/internal/usecase/projection"
)

type replayReport struct {
	Events     int                `json:"events"`
	LastSeq    int64              `json:"last_seq"`
	AgentPools []domain.AgentPool `json:"agent_pools"`
	TaskPools  []domain.TaskPool  `json:"task_pools"`
}

// replay reads the configured log without starting the engine.
func replay(ctx context.Context, cfg *config.Config) (*replayReport, error) {
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	defer closeLog()

	events, err := openEventLog(cfg.EventLog, log)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	defer events.Close()
	return replayLog(ctx, events)
}

func replayLog(ctx context.Context, events domain.EventLog) (*replayReport, error) {
	stream, err := events.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	agents := projection.NewAgentEngine(projection.WithLogger(logger.Discard()))
	tasks := projection.NewTaskEngine(projection.WithLogger(logger.Discard()))
	if err := agents.Replay(stream); err != nil {
		return nil, err
	}
	if err := tasks.Replay(stream); err != nil {
		return nil, err
	}

	report := &replayReport{
		Events:     len(stream),
		LastSeq:    tasks.LastSeq(),
		AgentPools: []domain.AgentPool{},
		TaskPools:  []domain.TaskPool{},
	}
	for _, p := range agents.State().Pools {
		report.AgentPools = append(report.AgentPools, p)
	}
	for _, p := range tasks.State().Pools {
		report.TaskPools = append(report.TaskPools, p)
	}
	sort.Slice(report.AgentPools, func(i, j int) bool {
		a, b := report.AgentPools[i], report.AgentPools[j]
		return domain.AgentKey{Kind: a.AgentKind, Type: a.AgentType}.String() < domain.AgentKey{Kind: b.AgentKind, Type: b.AgentType}.String()
	})
	sort.Slice(report.TaskPools, func(i, j int) bool {
		a, b := report.TaskPools[i], report.TaskPools[j]
		return domain.TaskKey{Kind: a.TaskKind, Type: a.TaskType}.String() < domain.TaskKey{Kind: b.TaskKind, Type: b.TaskType}.String()
	})
	return report, nil
}

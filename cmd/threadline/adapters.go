package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/orchestrator"
	"github.com/threadline/threadline/internal/platform"
)

// connectPlatforms builds and connects every enabled platform adapter.
func connectPlatforms(ctx context.Context, cfg *config.Config, orch *orchestrator.Orchestrator, log *logger.Logger) ([]platform.Adapter, error) {
	var adapters []platform.Adapter
	for _, pcfg := range cfg.Platforms {
		if !pcfg.Enabled {
			log.Info("platform disabled in config, skipping", zap.String("platformId", pcfg.ID))
			continue
		}
		adapter, err := platform.NewAdapter(pcfg, log)
		if err != nil {
			return nil, err
		}
		if err := adapter.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect platform %s: %w", pcfg.ID, err)
		}
		log.Info("platform connected",
			zap.String("platformId", pcfg.ID), zap.String("kind", pcfg.Kind))
		orch.AddPlatform(adapter, pcfg)
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		return nil, errors.New("no enabled platforms configured")
	}
	return adapters, nil
}

// botName picks the display name sessions sign with: the first configured
// platform that names the bot wins.
func botName(cfg *config.Config) string {
	for _, pcfg := range cfg.Platforms {
		if pcfg.BotName != "" {
			return pcfg.BotName
		}
	}
	return "threadline"
}

package main

import (
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/gateway"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/transcript"
)

// buildGateway wires the optional ops surface. A nil *transcript.Store must
// become a nil interface, or the logs endpoints would see a non-nil source.
func buildGateway(cfg *config.Config, manager *session.Manager, transcripts *transcript.Store, st *store.Store, eventBus bus.EventBus, log *logger.Logger) *gateway.Server {
	var logs gateway.TranscriptSource
	if transcripts != nil {
		logs = transcripts
	}
	return gateway.New(cfg.Gateway, manager, logs, st, eventBus, version, log)
}

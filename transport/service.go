// Copyright (c) Collabwire
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"log/slog"

	"github.com/collabwire/deltasync/config"
	"github.com/collabwire/deltasync/delta"
	"github.com/collabwire/deltasync/protocol"
	"github.com/collabwire/deltasync/storage"
)

// Service wires the websocket delta stream and the HTTP delta storage
// into the manager's document-service contract.
type Service struct {
	cfg    config.Config
	logger *slog.Logger
}

// NewService creates a document service from the client configuration.
func NewService(cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger}
}

// ConnectToDeltaStorage implements delta.DocumentService.
func (s *Service) ConnectToDeltaStorage(ctx context.Context) (storage.DeltaStorage, error) {
	return storage.NewHTTPClient(storage.HTTPClientConfig{
		BaseURL:           s.cfg.Service.StorageURL,
		DocumentID:        s.cfg.Service.DocumentID,
		Token:             s.cfg.Service.Token,
		RequestTimeout:    s.cfg.Service.RequestTimeout,
		RequestsPerSecond: s.cfg.Service.StorageRequestsPerSecond,
		Burst:             s.cfg.Service.StorageBurst,
	}, s.logger)
}

// ConnectToDeltaStream implements delta.DocumentService.
func (s *Service) ConnectToDeltaStream(ctx context.Context, client protocol.Client) (delta.Connection, error) {
	connectCtx := ctx
	if s.cfg.Service.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.Service.ConnectTimeout)
		defer cancel()
	}

	return Connect(connectCtx, Config{
		URL:        s.cfg.Service.StreamURL,
		DocumentID: s.cfg.Service.DocumentID,
		Token:      s.cfg.Service.Token,
	}, client, s.logger)
}

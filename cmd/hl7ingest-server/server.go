package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/hl7ingest/internal/config"
	"github.com/ehr/hl7ingest/internal/domain/ingestion"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
)

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := a.routes()

	var mllp *hl7v2.MLLPServer
	if cfg.MLLPAddr != "" {
		bridge := ingestion.NewMLLPBridge(a.coord, cfg.MLLPSourceSystem, logger)
		mllp = hl7v2.NewMLLPServer(cfg.MLLPAddr, bridge.Handle, logger)
		if err := mllp.Start(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	logger.Info().Msg("shutting down server")
	// In-flight batches get their full timeout to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.IngestBatchTimeout+5*time.Second)
	defer cancel()

	if mllp != nil {
		if stopErr := mllp.Stop(); stopErr != nil {
			logger.Warn().Err(stopErr).Msg("mllp listener stop")
		}
	}
	if shutErr := e.Shutdown(shutdownCtx); shutErr != nil {
		logger.Error().Err(shutErr).Msg("server shutdown failed")
		if err == nil {
			err = shutErr
		}
	}
	logger.Info().Msg("server stopped")
	return err
}

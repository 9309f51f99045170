package main

import (
	"context"
	"io"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/bidflow/internal/app"
)

func TestSetupLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		format    string
		level     string
		wantLevel log.Level
		wantJSON  bool
		wantErr   bool
	}{
		{name: "text info", format: app.LogFormatText, level: "info", wantLevel: log.InfoLevel},
		{name: "json debug", format: app.LogFormatJSON, level: "debug", wantLevel: log.DebugLevel, wantJSON: true},
		{name: "invalid level falls back to info", format: app.LogFormatText, level: "loud", wantLevel: log.InfoLevel, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger := log.New()
			logger.SetOutput(io.Discard)
			cfg := app.DefaultConfig()
			cfg.LogFormat = tt.format
			cfg.LogLevel = tt.level

			err := setupLogger(logger, cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("setupLogger error = %v, wantErr %v", err, tt.wantErr)
			}
			if logger.GetLevel() != tt.wantLevel {
				t.Fatalf("level = %s, want %s", logger.GetLevel(), tt.wantLevel)
			}
			if _, isJSON := logger.Formatter.(*log.JSONFormatter); isJSON != tt.wantJSON {
				t.Fatalf("json formatter = %v, want %v", isJSON, tt.wantJSON)
			}
		})
	}
}

func TestSetupTracing_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	cfg := app.DefaultConfig()
	cfg.OTelEnabled = false

	shutdown, err := setupTracing(context.Background(), cfg)
	if err != nil {
		t.Fatalf("setupTracing failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown failed: %v", err)
	}
}

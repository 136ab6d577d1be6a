package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"contextengine/pkg/config"
	"contextengine/pkg/model"
)

func TestInit(t *testing.T) {
	tempDir := t.TempDir()
	engineLog := filepath.Join(tempDir, "engine.log")
	mapServiceLog := filepath.Join(tempDir, "map_service.log")
	transitionsLog := filepath.Join(tempDir, "transitions.log")

	cfg := &config.LogConfig{
		Engine: config.LogSettings{
			Path:  engineLog,
			Level: "DEBUG",
		},
		MapService: config.LogSettings{
			Path:  mapServiceLog,
			Level: "INFO",
		},
		Transitions: config.LogSettings{
			Path:  transitionsLog,
			Level: "INFO",
		},
	}

	cleanup, err := Init(cfg)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer cleanup()

	if _, err := os.Stat(engineLog); os.IsNotExist(err) {
		t.Error("engine log file not created")
	}
	if _, err := os.Stat(mapServiceLog); os.IsNotExist(err) {
		t.Error("map-service log file not created")
	}

	if MapServiceLogger == nil {
		t.Error("MapServiceLogger was not initialized")
	}
}

func TestLogTransitionWritesFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "transitions.log")
	SetTransitionLogPath(path)

	LogTransition(&model.ModeTransition{
		From:       model.ModeOutside,
		To:         model.ModeInside,
		Confidence: 0.9,
		Trigger:    model.SourcePolygon,
		T:          time.Now(),
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read transition log: %v", err)
	}
	if len(data) == 0 {
		t.Error("transition log is empty")
	}
}

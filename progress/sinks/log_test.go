package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spinneret/spinneret/progress"
)

// TestLogSinkLevelsByStage checks run boundaries log at Info, errors at
// Warn, and per-fetch stages at Debug.
func TestLogSinkLevelsByStage(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	runID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: runID, TS: time.Now(), Stage: progress.StageFetch, Host: "example.com", StatusClass: progress.Status2xx},
		{RunID: runID, TS: time.Now(), Stage: progress.StageError, Kind: "download_error"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunDone, Dur: time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, "run started", entries[0].Message)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, "fetch completed", entries[1].Message)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, "task failed", entries[2].Message)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, "run finished", entries[3].Message)
	require.Equal(t, zapcore.InfoLevel, entries[3].Level)
}

// TestLogSinkSparseFields verifies unset event fields stay off the line.
func TestLogSinkSparseFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	runID := progress.UUIDToBytes(uuid.New())
	batch := []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{
			RunID:       runID,
			TS:          time.Now(),
			Stage:       progress.StageFetch,
			Host:        "example.com",
			Method:      "GET",
			Attempt:     2,
			Bytes:       512,
			StatusClass: progress.Status4xx,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries := logs.All()
	require.Len(t, entries, 2)

	start := entries[0].ContextMap()
	require.Contains(t, start, "run_id")
	require.NotContains(t, start, "host")
	require.NotContains(t, start, "status_class")

	fetched := entries[1].ContextMap()
	require.Equal(t, "example.com", fetched["host"])
	require.Equal(t, "GET", fetched["method"])
	require.EqualValues(t, 2, fetched["attempt"])
	require.EqualValues(t, 512, fetched["bytes"])
	require.Equal(t, "4xx", fetched["status_class"])
}

// TestLogSinkNilLogger keeps the sink usable with no logger configured.
func TestLogSinkNilLogger(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	batch := []progress.Event{{RunID: progress.UUIDToBytes(uuid.New()), TS: time.Now(), Stage: progress.StageItem}}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))
}

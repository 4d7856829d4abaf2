package sinks

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/siteaudit/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	jobID := [16]byte(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: jobID, TS: time.Now(), Stage: progress.StageRunStart, Total: 5},
		{JobID: jobID, TS: time.Now(), Stage: progress.StageFetchDone, Site: "example.com", StatusClass: progress.Status2xx},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.DebugLevel, entries[1].Level)
	require.Equal(t, uuid.UUID(jobID).String(), entries[0].ContextMap()["job_id"])
	require.NoError(t, sink.Close(context.Background()))
}

func TestBarSinkLifecycle(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	sink := NewBarSink(&out)
	done := [16]byte(uuid.New())
	open := [16]byte(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: done, Stage: progress.StageRunStart, Total: 2, Note: "https://example.com"},
		{JobID: done, Stage: progress.StageFetchDone},
		{JobID: done, Stage: progress.StageRunDone},
		{JobID: open, Stage: progress.StageRunStart, Total: 3, Note: "https://example.org"},
	}))

	finished := make(chan error, 1)
	go func() { finished <- sink.Close(context.Background()) }()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bar sink did not close")
	}
}

package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSink_ClassifiesByKeyNoveltyBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := Record{Key: "R0001", Fields: map[string]string{"last_name": "Smith"}}

	outcome, err := sink.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	outcome, err = sink.Upsert(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
}

func TestJSONLSink_ReopenPreservesStoredKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	_, err = sink.Upsert(context.Background(), Record{Key: "R0001"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	reopened, err := NewJSONLSink(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	assert.True(t, reopened.HasKey("R0001"), "keys survive a sink restart")
	assert.False(t, reopened.HasKey("R9999"))

	outcome, err := reopened.Upsert(context.Background(), Record{Key: "R0001"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, outcome)
}

func TestJSONLSink_SkipsMalformedLinesOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")

	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	_, err = sink.Upsert(context.Background(), Record{Key: "R0001"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewJSONLSink(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	assert.True(t, reopened.HasKey("R0001"))
}

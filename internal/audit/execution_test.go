package audit_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/manasgarg/plutoid-kernel/internal/audit"
	"github.com/stretchr/testify/require"
)

func TestRecordExecutionAppendsVerifiableEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.log")
	logger, err := audit.Open(path)
	require.NoError(t, err)

	started := time.Now().UTC()
	entry, err := logger.RecordExecution("k1", "msg-1", "print(1)", 2, 0, started, 40*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Seq)
	require.Equal(t, audit.GenesisHash, entry.PrevHash)

	var rec audit.ExecutionRecord
	require.NoError(t, json.Unmarshal(entry.Payload, &rec))
	require.Equal(t, "k1", rec.KernelID)
	require.Equal(t, "msg-1", rec.MsgID)
	require.NotEmpty(t, rec.SourceSHA2)
	require.NotEqual(t, "print(1)", rec.SourceSHA2)

	require.NoError(t, logger.Close())

	entries, err := audit.Verify(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecordExecutionChainsAcrossExecutions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.log")
	logger, err := audit.Open(path)
	require.NoError(t, err)

	first, err := logger.RecordExecution("k1", "msg-1", "a = 1", 0, 0, time.Now(), time.Millisecond)
	require.NoError(t, err)
	second, err := logger.RecordExecution("k1", "msg-2", "print(a)", 2, 0, time.Now(), time.Millisecond)
	require.NoError(t, err)

	require.Equal(t, first.EventHash, second.PrevHash)
	require.NoError(t, logger.Close())
}

package jobsource

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltfs-xfer/errcode"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	"ltfs-xfer/utils"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(filepath.Join(t.TempDir(), "catalog.db"), true, utils.NewLoggerWriter(io.Discard, utils.LogConfig{}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recallEntry(id string, fseq uint64, size int64) ManifestEntry {
	return ManifestEntry{
		Cartridge: "A00001",
		JobDescriptor: task.JobDescriptor{
			FileID:   id,
			Position: tapehardware.TapePosition{FSeq: fseq, BlockID: fseq * 100},
			Path:     "/restore/" + id,
			Size:     size,
		},
	}
}

func ids(jobs []task.JobDescriptor) []string {
	var out []string
	for _, j := range jobs {
		out = append(out, j.FileID)
	}
	return out
}

func TestBatchesInTapeOrder(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.AddJobs([]ManifestEntry{
		recallEntry("c", 3, 10),
		recallEntry("a", 1, 10),
		recallEntry("d", 4, 10),
		recallEntry("b", 2, 10),
	}))
	carts, err := c.Cartridges(task.Recall)
	require.NoError(t, err)
	assert.Equal(t, []string{"A00001"}, carts)

	s, err := c.StartSession("A00001", task.Recall)
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		req  task.BatchRequest
		want []string
	}{
		{"max files", task.BatchRequest{MaxFiles: 2, MaxBytes: 1000}, []string{"a", "b"}},
		{"max bytes", task.BatchRequest{MaxFiles: 5, MaxBytes: 15}, []string{"c"}},
		{"rest", task.BatchRequest{MaxFiles: 5}, []string{"d"}},
		{"drained", task.BatchRequest{MaxFiles: 5}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := s.GetNextJobBatch(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(batch.Jobs))
			assert.False(t, batch.EndOfData)
		})
	}

	batch, err := s.GetNextJobBatch(ctx, task.BatchRequest{MaxFiles: 5, LastCall: true})
	require.NoError(t, err)
	assert.Empty(t, batch.Jobs)
	assert.True(t, batch.EndOfData)
}

func TestBatchAlwaysHasOneJob(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.AddJobs([]ManifestEntry{recallEntry("big", 1, 1<<30)}))
	s, err := c.StartSession("A00001", task.Recall)
	require.NoError(t, err)
	batch, err := s.GetNextJobBatch(context.Background(), task.BatchRequest{MaxFiles: 5, MaxBytes: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"big"}, ids(batch.Jobs))
}

func TestOutcomesAndEndOfSession(t *testing.T) {
	c := newTestCatalog(t)
	require.NoError(t, c.AddJobs([]ManifestEntry{recallEntry("a", 1, 10), recallEntry("b", 2, 10), recallEntry("c", 3, 10)}))
	s, err := c.StartSession("A00001", task.Recall)
	require.NoError(t, err)
	ctx := context.Background()

	batch, err := s.GetNextJobBatch(ctx, task.BatchRequest{MaxFiles: 3})
	require.NoError(t, err)
	require.Len(t, batch.Jobs, 3)

	require.NoError(t, s.ReportOutcomes(ctx, []task.Outcome{
		task.Succeeded(batch.Jobs[0], task.Success{BytesWritten: 10, Checksum: "aa"}),
		task.Failed(batch.Jobs[1], task.Failure{Message: "medium error", Code: errcode.TapeRead}),
	}))
	require.NoError(t, s.ReportEndOfSessionWithErrors(ctx, "1 file(s) failed", errcode.TapeRead))
	// only one terminal notice per session
	assert.Error(t, s.ReportEndOfSession(ctx))

	sum, err := c.Summary(s.ID)
	require.NoError(t, err)
	assert.Equal(t, SESSION_ENDED_WITH_ERRORS, sum.State)
	assert.Equal(t, errcode.TapeRead, sum.Code)
	assert.Equal(t, 1, sum.Succeeded)
	assert.Equal(t, 1, sum.Failed)

	sums, err := c.Checksums(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "aa"}, sums)

	// "c" had no outcome and is queued again for the next session
	next, err := c.StartSession("A00001", task.Recall)
	require.NoError(t, err)
	batch, err = next.GetNextJobBatch(ctx, task.BatchRequest{MaxFiles: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(batch.Jobs))
}

func TestMigratedPositionsRecorded(t *testing.T) {
	c := newTestCatalog(t)
	entries := []ManifestEntry{
		{Cartridge: "M1", JobDescriptor: task.JobDescriptor{FileID: "x", Path: "/src/x", Size: 5, Direction: task.Migration}},
		{Cartridge: "M1", JobDescriptor: task.JobDescriptor{FileID: "y", Path: "/src/y", Size: 7, Direction: task.Migration}},
	}
	require.NoError(t, c.AddJobs(entries))
	s, err := c.StartSession("M1", task.Migration)
	require.NoError(t, err)
	ctx := context.Background()
	batch, err := s.GetNextJobBatch(ctx, task.BatchRequest{MaxFiles: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, ids(batch.Jobs))

	x, y := batch.Jobs[0], batch.Jobs[1]
	x.Position = tapehardware.TapePosition{FSeq: 1}
	y.Position = tapehardware.TapePosition{FSeq: 2, BlockID: 77}
	require.NoError(t, s.ReportOutcomes(ctx, []task.Outcome{
		task.Succeeded(x, task.Success{BytesWritten: 5, Checksum: "xx"}),
		task.Succeeded(y, task.Success{BytesWritten: 7, Checksum: "yy"}),
	}))
	require.NoError(t, s.ReportEndOfSession(ctx))

	migrated, sums, err := c.Migrated(s.ID)
	require.NoError(t, err)
	require.Len(t, migrated, 2)
	assert.Equal(t, y.Position, migrated[1].Position)
	assert.Equal(t, task.Recall, migrated[1].Direction)
	assert.Equal(t, "yy", sums["y"])
}

func TestManifestRoundTrip(t *testing.T) {
	name := filepath.Join(t.TempDir(), "manifest.json")
	entries := []ManifestEntry{recallEntry("a", 1, 10)}
	require.NoError(t, WriteManifest(name, entries))
	loaded, err := LoadManifest(name)
	require.NoError(t, err)
	assert.Equal(t, entries, loaded)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestCommunicationError(t *testing.T) {
	cause := errors.New("connection reset")
	err := CommunicationError("get batch", cause)
	assert.ErrorIs(t, err, ErrCommunication)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, CommunicationError("get batch", nil))
	assert.NotErrorIs(t, errcode.New(errcode.DiskWrite, "x"), ErrCommunication)
}

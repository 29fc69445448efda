package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltfs-xfer/diskio"
	"ltfs-xfer/errcode"
	"ltfs-xfer/jobsource"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	"ltfs-xfer/utils"
)

type fakeSource struct {
	mu           sync.Mutex
	jobs         []task.JobDescriptor
	emptyNonLast int
	failOnCall   int
	oversize     bool
	gate         chan struct{}
	reportErr    error
	calls        int
	requests     []task.BatchRequest
	outcomes     []task.Outcome
	nominalEnds  int
	errorEnds    int
	endMessage   string
	endCode      errcode.Code
}

func (s *fakeSource) GetNextJobBatch(ctx context.Context, req task.BatchRequest) (jobsource.Batch, error) {
	s.mu.Lock()
	held := s.gate != nil && s.calls > 0
	s.mu.Unlock()
	// every call after the first waits for the gate
	if held {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return jobsource.Batch{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.calls == s.failOnCall {
		return jobsource.Batch{}, jobsource.CommunicationError("get next job batch", errors.New("connection reset"))
	}
	if s.emptyNonLast > 0 && !req.LastCall {
		s.emptyNonLast--
		return jobsource.Batch{}, nil
	}
	n := req.MaxFiles
	if n > len(s.jobs) || s.oversize {
		n = len(s.jobs)
	}
	batch := jobsource.Batch{Jobs: s.jobs[:n]}
	s.jobs = s.jobs[n:]
	return batch, nil
}

func (s *fakeSource) ReportOutcomes(ctx context.Context, outcomes []task.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reportErr != nil {
		return s.reportErr
	}
	s.outcomes = append(s.outcomes, outcomes...)
	return nil
}

func (s *fakeSource) ReportEndOfSession(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nominalEnds++
	return nil
}

func (s *fakeSource) ReportEndOfSessionWithErrors(ctx context.Context, msg string, code errcode.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorEnds++
	s.endMessage, s.endCode = msg, code
	return nil
}

func (s *fakeSource) byFile() map[string]task.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]task.Outcome)
	for _, o := range s.outcomes {
		m[o.FileID] = o
	}
	return m
}

// recordingDevice notes the file of every tape read
type recordingDevice struct {
	tapehardware.TapeDevice
	mu    sync.Mutex
	fseqs []uint64
}

func (d *recordingDevice) ReadAt(pos tapehardware.TapePosition, off int64, buf []byte) (int, error) {
	d.mu.Lock()
	if len(d.fseqs) == 0 || d.fseqs[len(d.fseqs)-1] != pos.FSeq {
		d.fseqs = append(d.fseqs, pos.FSeq)
	}
	d.mu.Unlock()
	return d.TapeDevice.ReadAt(pos, off, buf)
}

// stallingFS holds the open of one path until release is closed
type stallingFS struct {
	diskio.FileSystem
	path    string
	release chan struct{}
}

func (s *stallingFS) OpenForWrite(ctx context.Context, path string) (diskio.WriteHandle, error) {
	if path == s.path {
		<-s.release
	}
	return s.FileSystem.OpenForWrite(ctx, path)
}

// slowOpenFS delays opening one path, in either direction
type slowOpenFS struct {
	diskio.FileSystem
	path  string
	delay time.Duration
}

func (s *slowOpenFS) OpenForWrite(ctx context.Context, path string) (diskio.WriteHandle, error) {
	if path == s.path {
		time.Sleep(s.delay)
	}
	return s.FileSystem.OpenForWrite(ctx, path)
}

func (s *slowOpenFS) OpenForRead(ctx context.Context, path string) (diskio.ReadHandle, error) {
	if path == s.path {
		time.Sleep(s.delay)
	}
	return s.FileSystem.OpenForRead(ctx, path)
}

func testLogger() *utils.Logger {
	return utils.NewLoggerWriter(io.Discard, utils.LogConfig{})
}

func testConfig(d task.Direction) Config {
	return Config{
		NumberOfBlocks:   3,
		BlockSize:        64,
		DiskWorkers:      2,
		MaxFilesPerBatch: 2,
		ReportBatchSize:  2,
		Direction:        d,
	}
}

func payload(i, size int) []byte {
	return bytes.Repeat([]byte{byte('a' + i)}, size)
}

// writeTape puts one tape file per size on a new image and returns the
// recall jobs for them
func writeTape(t *testing.T, dir string, sizes []int) (*tapehardware.ImageDevice, []task.JobDescriptor) {
	t.Helper()
	device, err := tapehardware.CreateImage(filepath.Join(dir, "T00001.tape"))
	require.NoError(t, err)
	t.Cleanup(func() { device.Close() })
	var jobs []task.JobDescriptor
	for i, size := range sizes {
		pos := device.EndOfData()
		if size > 0 {
			require.NoError(t, device.WriteAt(pos, 0, payload(i, size)))
		}
		require.NoError(t, device.WriteFileMark(pos))
		jobs = append(jobs, task.JobDescriptor{
			FileID:   fmt.Sprintf("f%d", i),
			Position: pos,
			Path:     fmt.Sprintf("out/f%d", i),
			Size:     int64(size),
		})
	}
	return device, jobs
}

func runSession(t *testing.T, cfg Config, source *fakeSource, device tapehardware.TapeDevice, fs diskio.FileSystem) (*Session, error) {
	t.Helper()
	s, err := NewSession(cfg, source, device, fs, nil, testLogger())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		return s, err
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	return nil, nil
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"no blocks", func(c *Config) { c.NumberOfBlocks = 0 }, false},
		{"no disk workers", func(c *Config) { c.DiskWorkers = 0 }, false},
		{"no batch", func(c *Config) { c.MaxFilesPerBatch = 0 }, false},
		{"by file reports", func(c *Config) { c.ReportBatchSize = 0 }, true},
		{"bad direction", func(c *Config) { c.Direction = 7 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRequestThreshold(t *testing.T) {
	for files, want := range map[int]int{1: 1, 2: 1, 3: 1, 4: 2, 100: 50} {
		assert.Equal(t, want, Config{MaxFilesPerBatch: files}.requestThreshold(), "max files %d", files)
	}
}

func TestNominalRecall(t *testing.T) {
	dir := t.TempDir()
	sizes := []int{0, 64, 200, 10, 300}
	image, jobs := writeTape(t, dir, sizes)
	device := &recordingDevice{TapeDevice: image}
	source := &fakeSource{jobs: jobs}

	s, err := runSession(t, testConfig(task.Recall), source, device, &diskio.Posix{Root: dir})
	require.NoError(t, err)

	assert.Equal(t, 1, source.nominalEnds)
	assert.Zero(t, source.errorEnds)
	assert.Equal(t, len(sizes), s.Device().Executed())
	assert.True(t, source.requests[len(source.requests)-1].LastCall)
	assert.Equal(t, s.PoolStats().Total, s.PoolStats().Free)

	outcomes := source.byFile()
	require.Len(t, outcomes, len(sizes))
	for i, size := range sizes {
		o := outcomes[fmt.Sprintf("f%d", i)]
		require.True(t, o.OK(), "f%d: %+v", i, o.Failure)
		assert.Equal(t, int64(size), o.Success.BytesWritten)
		got, err := os.ReadFile(filepath.Join(dir, "out", fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
		assert.Equal(t, payload(i, size), got, "f%d", i)
	}

	// tape files are read strictly in injection order
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, device.fseqs)
}

func TestOneFileFails(t *testing.T) {
	dir := t.TempDir()
	image, jobs := writeTape(t, dir, []int{100, 100, 100})
	jobs[1].Position = tapehardware.TapePosition{FSeq: 9}
	source := &fakeSource{jobs: jobs}

	_, err := runSession(t, testConfig(task.Recall), source, image, &diskio.Posix{Root: dir})
	require.NoError(t, err)

	assert.Zero(t, source.nominalEnds)
	assert.Equal(t, 1, source.errorEnds)
	assert.Equal(t, errcode.TapePosition, source.endCode)
	assert.Contains(t, source.endMessage, "1 file(s) failed")

	outcomes := source.byFile()
	assert.True(t, outcomes["f0"].OK())
	assert.False(t, outcomes["f1"].OK())
	assert.True(t, outcomes["f2"].OK())
}

func TestCommunicationLoss(t *testing.T) {
	dir := t.TempDir()
	image, jobs := writeTape(t, dir, []int{10, 10, 10, 10})
	source := &fakeSource{jobs: jobs, failOnCall: 2}

	_, err := runSession(t, testConfig(task.Recall), source, image, &diskio.Posix{Root: dir})
	require.NoError(t, err)

	assert.Equal(t, 2, source.calls)
	assert.Equal(t, 1, source.errorEnds)
	assert.Equal(t, errcode.Communication, source.endCode)
	assert.Contains(t, source.endMessage, "session error")
	// the files already injected still finish
	outcomes := source.byFile()
	assert.Len(t, outcomes, 2)
	assert.True(t, outcomes["f0"].OK())
	assert.True(t, outcomes["f1"].OK())
}

func TestEmptyBatchGetsOneLastCall(t *testing.T) {
	dir := t.TempDir()
	image, jobs := writeTape(t, dir, []int{10, 10})
	source := &fakeSource{jobs: jobs, emptyNonLast: 1}
	cfg := testConfig(task.Recall)
	cfg.MaxFilesPerBatch = 4

	_, err := runSession(t, cfg, source, image, &diskio.Posix{Root: dir})
	require.NoError(t, err)

	var flags []bool
	for _, r := range source.requests {
		flags = append(flags, r.LastCall)
	}
	assert.Equal(t, []bool{true, false, true}, flags)
	assert.Equal(t, 1, source.nominalEnds)
	assert.Len(t, source.byFile(), 2)
}

func TestNothingToDo(t *testing.T) {
	dir := t.TempDir()
	image, _ := writeTape(t, dir, nil)
	source := &fakeSource{}

	_, err := runSession(t, testConfig(task.Recall), source, image, &diskio.Posix{Root: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls)
	assert.Equal(t, 1, source.nominalEnds)
	assert.Empty(t, source.outcomes)
}

func TestWrongDirectionJob(t *testing.T) {
	dir := t.TempDir()
	image, jobs := writeTape(t, dir, []int{10, 10})
	jobs[0].Direction = task.Migration
	source := &fakeSource{jobs: jobs}

	_, err := runSession(t, testConfig(task.Recall), source, image, &diskio.Posix{Root: dir})
	require.NoError(t, err)

	outcomes := source.byFile()
	require.Len(t, outcomes, 2)
	assert.Equal(t, errcode.WrongDirection, outcomes["f0"].Failure.Code)
	assert.True(t, outcomes["f1"].OK())
	assert.Equal(t, 1, source.errorEnds)
}

func TestStalledDiskWorker(t *testing.T) {
	dir := t.TempDir()
	// every file needs more blocks than the pool holds
	image, jobs := writeTape(t, dir, []int{192, 192, 192})
	source := &fakeSource{jobs: jobs}
	fs := &stallingFS{FileSystem: &diskio.Posix{Root: dir}, path: "out/f0", release: make(chan struct{})}
	cfg := testConfig(task.Recall)
	cfg.NumberOfBlocks = 2

	s, err := NewSession(cfg, source, image, fs, nil, testLogger())
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()

	// the stalled disk side holds part of the first file and the tape side
	// waits on the pool for the rest
	require.Eventually(t, func() bool {
		return s.PoolStats().Free == 0
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.Device().Executed())
	assert.Empty(t, source.byFile())

	close(fs.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}
	outcomes := source.byFile()
	require.Len(t, outcomes, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, outcomes[fmt.Sprintf("f%d", i)].OK(), "f%d", i)
	}
	assert.Equal(t, 1, source.nominalEnds)
	assert.Equal(t, s.PoolStats().Total, s.PoolStats().Free)
}

func TestOpenLimitBelowDiskWorkers(t *testing.T) {
	tests := []struct {
		name      string
		direction task.Direction
	}{
		{"recall", task.Recall},
		{"migration", task.Migration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			sizes := []int{320, 64}
			var image *tapehardware.ImageDevice
			var jobs []task.JobDescriptor
			slowPath := "out/f0"
			if tt.direction == task.Recall {
				image, jobs = writeTape(t, dir, sizes)
			} else {
				var err error
				image, err = tapehardware.CreateImage(filepath.Join(dir, "T00003.tape"))
				require.NoError(t, err)
				t.Cleanup(func() { image.Close() })
				require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
				for i, size := range sizes {
					path := fmt.Sprintf("src/f%d", i)
					require.NoError(t, os.WriteFile(filepath.Join(dir, path), payload(i, size), 0644))
					jobs = append(jobs, task.JobDescriptor{
						FileID:    fmt.Sprintf("f%d", i),
						Path:      path,
						Size:      int64(size),
						Direction: task.Migration,
					})
				}
				slowPath = "src/f0"
			}

			// one open handle for two disk workers, and the first file is
			// slow to open so the second worker reaches the limit first
			router := diskio.NewRouter(&diskio.Posix{Root: dir}, nil, 1)
			t.Cleanup(router.Stop)
			fs := &slowOpenFS{FileSystem: router, path: slowPath, delay: 50 * time.Millisecond}
			source := &fakeSource{jobs: jobs}

			s, err := runSession(t, testConfig(tt.direction), source, image, fs)
			require.NoError(t, err)
			assert.Equal(t, 1, source.nominalEnds)
			outcomes := source.byFile()
			require.Len(t, outcomes, len(sizes))
			for i, size := range sizes {
				o := outcomes[fmt.Sprintf("f%d", i)]
				require.True(t, o.OK(), "f%d: %+v", i, o.Failure)
				assert.Equal(t, int64(size), o.Success.BytesWritten)
			}
			assert.Equal(t, s.PoolStats().Total, s.PoolStats().Free)
		})
	}
}

func TestOversizeBatchEndsSession(t *testing.T) {
	dir := t.TempDir()
	sizes := make([]int, 12)
	for i := range sizes {
		sizes[i] = 10
	}
	image, jobs := writeTape(t, dir, sizes)
	source := &fakeSource{jobs: jobs, oversize: true}

	s, err := runSession(t, testConfig(task.Recall), source, image, &diskio.Posix{Root: dir})
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	assert.Zero(t, s.Injector().Injected())
	assert.Empty(t, source.byFile())
	assert.Zero(t, source.nominalEnds)
	assert.Equal(t, 1, source.errorEnds)
	assert.Equal(t, errcode.Communication, source.endCode)
	assert.Contains(t, source.endMessage, "12 jobs")
}

func TestReportFailureStopsInjection(t *testing.T) {
	dir := t.TempDir()
	sizes := make([]int, 8)
	for i := range sizes {
		sizes[i] = 10
	}
	image, jobs := writeTape(t, dir, sizes)
	gate := make(chan struct{})
	source := &fakeSource{jobs: jobs, gate: gate, reportErr: errors.New("link down")}
	cfg := testConfig(task.Recall)
	cfg.ReportBatchSize = 1

	s, err := NewSession(cfg, source, image, &diskio.Posix{Root: dir}, nil, testLogger())
	require.NoError(t, err)
	// the second batch is only answered once the session has reacted to
	// the lost job source
	var once sync.Once
	s.Reporter().OnCommunicationLost(func() {
		s.Injector().Stop()
		once.Do(func() { close(gate) })
	})
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	select {
	case err = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("session did not finish")
	}

	// the undeliverable outcomes surface from Run
	assert.Error(t, err)
	assert.LessOrEqual(t, source.calls, 2)
	assert.Equal(t, 2, s.Injector().Injected())
	assert.Equal(t, 2, s.Device().Executed())
	assert.Zero(t, source.nominalEnds)
	assert.Equal(t, 1, source.errorEnds)
	assert.Equal(t, errcode.Communication, source.endCode)
	assert.Contains(t, source.endMessage, "link down")
	assert.Equal(t, s.PoolStats().Total, s.PoolStats().Free)
}

func TestMigrationThenRecall(t *testing.T) {
	dir := t.TempDir()
	var jobs []task.JobDescriptor
	for i, size := range []int{150, 0, 64, 1000} {
		path := fmt.Sprintf("src/f%d", i)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, path), payload(i, size), 0644))
		jobs = append(jobs, task.JobDescriptor{
			FileID:    fmt.Sprintf("f%d", i),
			Path:      path,
			Size:      int64(size),
			Direction: task.Migration,
		})
	}
	image, err := tapehardware.CreateImage(filepath.Join(dir, "T00002.tape"))
	require.NoError(t, err)
	t.Cleanup(func() { image.Close() })
	fs := &diskio.Posix{Root: dir}

	source := &fakeSource{jobs: jobs}
	_, err = runSession(t, testConfig(task.Migration), source, image, fs)
	require.NoError(t, err)
	require.Equal(t, 1, source.nominalEnds)

	migrated := source.byFile()
	var recalls []task.JobDescriptor
	for i, job := range jobs {
		o := migrated[job.FileID]
		require.True(t, o.OK(), "%s: %+v", job.FileID, o.Failure)
		// files land on tape in injection order
		assert.Equal(t, uint64(i+1), o.Position.FSeq)
		recalls = append(recalls, task.JobDescriptor{
			FileID:   job.FileID,
			Position: o.Position,
			Path:     "back/" + job.FileID,
			Size:     job.Size,
		})
	}

	source = &fakeSource{jobs: recalls}
	_, err = runSession(t, testConfig(task.Recall), source, image, fs)
	require.NoError(t, err)
	require.Equal(t, 1, source.nominalEnds)
	recalled := source.byFile()
	for i, job := range jobs {
		assert.Equal(t, migrated[job.FileID].Success.Checksum, recalled[job.FileID].Success.Checksum)
		got, err := os.ReadFile(filepath.Join(dir, "back", job.FileID))
		require.NoError(t, err)
		assert.Equal(t, payload(i, int(job.Size)), got)
	}
}

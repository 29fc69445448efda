package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ltfs-xfer/diskio"
	"ltfs-xfer/jobsource"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	"ltfs-xfer/utils"
)

func TestSimulatedRecallAndMigration(t *testing.T) {
	dir := t.TempDir()
	logger := utils.NewLoggerWriter(io.Discard, utils.LogConfig{})
	sim := simulation{
		tapeDirectory: filepath.Join(dir, "tapes"),
		diskRoot:      dir,
		filesPerTape:  5,
		maxFileSize:   3000,
		logger:        logger,
	}
	manifest := filepath.Join(dir, "manifest.json")
	require.NoError(t, sim.createSimulatedTapes(2, manifest))

	entries, err := jobsource.LoadManifest(manifest)
	require.NoError(t, err)
	assert.Len(t, entries, 15)

	catalog, err := jobsource.NewCatalog(filepath.Join(dir, "catalog.db"), true, logger)
	require.NoError(t, err)
	defer catalog.Close()
	require.NoError(t, catalog.AddJobs(entries))

	library, err := tapehardware.NewTapeLibrarySimulator(sim.tapeDirectory, logger)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Session.NumberOfBlocks = 4
	cfg.Session.BlockSize = 512
	cfg.Session.MaxFilesPerBatch = 2
	cfg.Session.DiskWorkers = 3
	fs := diskio.NewRouter(&diskio.Posix{Root: dir}, nil, 8)
	defer fs.Stop()
	r := &runner{cfg: &cfg, library: library, catalog: catalog, fs: fs, logger: logger}

	tests := []struct {
		direction task.Direction
		carts     []string
	}{
		{task.Recall, []string{"SIM000", "SIM001"}},
		{task.Migration, []string{SIMULATION_BLANK}},
	}
	var lastID string
	for _, tt := range tests {
		carts, err := catalog.Cartridges(tt.direction)
		require.NoError(t, err)
		assert.Equal(t, tt.carts, carts)
		for _, cart := range carts {
			lastID, err = r.runCartridge(context.Background(), cart, "", tt.direction)
			require.NoError(t, err)
			sum, err := catalog.Summary(lastID)
			require.NoError(t, err)
			assert.Equal(t, jobsource.SESSION_ENDED, sum.State, "%s: %s", cart, sum.Message)
			assert.Equal(t, 5, sum.Succeeded)
		}
	}

	// recall what was just migrated and compare checksums
	migrationID := lastID
	recallManifest := filepath.Join(dir, "recall.json")
	require.NoError(t, r.writeRecallManifest(migrationID, recallManifest))
	recalls, err := jobsource.LoadManifest(recallManifest)
	require.NoError(t, err)
	require.Len(t, recalls, 5)
	for i, e := range recalls {
		assert.Equal(t, task.Recall, e.Direction)
		assert.Equal(t, uint64(i+1), e.Position.FSeq)
	}
	require.NoError(t, catalog.AddJobs(recalls))

	recallID, err := r.runCartridge(context.Background(), SIMULATION_BLANK, "Drive-0", task.Recall)
	require.NoError(t, err)
	mismatches, err := r.compare(recallID, migrationID)
	require.NoError(t, err)
	assert.Zero(t, mismatches)
	sums, err := catalog.Checksums(recallID)
	require.NoError(t, err)
	assert.Len(t, sums, 5)
}

func TestUnknownCartridge(t *testing.T) {
	dir := t.TempDir()
	logger := utils.NewLoggerWriter(io.Discard, utils.LogConfig{})
	library, err := tapehardware.NewTapeLibrarySimulator(dir, logger)
	require.NoError(t, err)
	cfg := DefaultConfig()
	r := &runner{cfg: &cfg, library: library, logger: logger}

	_, err = r.runCartridge(context.Background(), "NOPE", "", task.Recall)
	assert.Error(t, err)
}

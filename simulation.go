// simulated cartridges and the manifest that goes with them
package main

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"ltfs-xfer/jobsource"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	. "ltfs-xfer/utils"
)

const SIMULATION_TAPES string = "tapehardware/tapes/"
const SIMULATION_BLANK string = "BLANK0"
const SIMULATION_SOURCE string = "simsource"

type simulation struct {
	tapeDirectory string
	diskRoot      string
	filesPerTape  int
	maxFileSize   int
	logger        *Logger
}

// createSimulatedTapes writes numberOfTapes filled cartridge images plus one
// blank cartridge, source files for migrating to the blank, and a manifest
// describing both.
func (s simulation) createSimulatedTapes(numberOfTapes int, manifest string) error {
	if err := os.MkdirAll(s.tapeDirectory, 0755); err != nil {
		return errors.Wrap(err, "unable to create simulated tape directory")
	}
	var entries []jobsource.ManifestEntry
	for tape := 0; tape < numberOfTapes; tape++ {
		name := fmt.Sprintf("SIM%03d", tape)
		tapeEntries, err := s.createTape(name)
		if err != nil {
			return err
		}
		entries = append(entries, tapeEntries...)
	}

	// a blank cartridge and the files that migrate onto it
	blank, err := tapehardware.CreateImage(tapehardware.ImagePath(s.tapeDirectory, SIMULATION_BLANK))
	if err != nil {
		return err
	}
	blank.Close()
	for i := 0; i < s.filesPerTape; i++ {
		data, err := s.randomData()
		if err != nil {
			return err
		}
		path := filepath.Join(SIMULATION_SOURCE, fmt.Sprintf("file%04d", i))
		full := filepath.Join(s.diskRoot, path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return errors.Wrap(err, "unable to create simulated source directory")
		}
		if err := os.WriteFile(full, data, 0644); err != nil {
			return errors.Wrap(err, "unable to write simulated source file")
		}
		entries = append(entries, jobsource.ManifestEntry{
			Cartridge: SIMULATION_BLANK,
			JobDescriptor: task.JobDescriptor{
				FileID:    NewID(),
				Path:      path,
				Size:      int64(len(data)),
				Direction: task.Migration,
			},
		})
	}
	s.logger.Event("Created ", numberOfTapes, " simulated tapes and ", len(entries), " jobs in ", manifest)
	return jobsource.WriteManifest(manifest, entries)
}

func (s simulation) createTape(name string) ([]jobsource.ManifestEntry, error) {
	path := tapehardware.ImagePath(s.tapeDirectory, name)
	os.Remove(path)
	device, err := tapehardware.CreateImage(path)
	if err != nil {
		return nil, err
	}
	defer device.Close()

	var entries []jobsource.ManifestEntry
	var total int64
	for i := 0; i < s.filesPerTape; i++ {
		data, err := s.randomData()
		if err != nil {
			return nil, err
		}
		pos := device.EndOfData()
		if len(data) > 0 {
			if err := device.WriteAt(pos, 0, data); err != nil {
				return nil, err
			}
		}
		if err := device.WriteFileMark(pos); err != nil {
			return nil, err
		}
		id := NewID()
		entries = append(entries, jobsource.ManifestEntry{
			Cartridge: name,
			JobDescriptor: task.JobDescriptor{
				FileID:   id,
				Position: pos,
				Path:     filepath.Join("recall", name, id),
				Size:     int64(len(data)),
			},
		})
		total += int64(len(data))
	}
	s.logger.Debug("Simulated tape ", name, ": ", s.filesPerTape, " files, ", humanize.IBytes(uint64(total)))
	return entries, nil
}

func (s simulation) randomData() ([]byte, error) {
	data := make([]byte, mrand.IntN(s.maxFileSize+1))
	if _, err := rand.Read(data); err != nil {
		return nil, errors.Wrap(err, "unable to create random data")
	}
	return data, nil
}

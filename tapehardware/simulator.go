// simulated library whose cartridges are image files in a directory
package tapehardware

import (
	"fmt"
	. "ltfs-xfer/utils"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const ImageSuffix = ".tape"

type TapeLibrarySimulator struct {
	drives        []TapeDrive
	tapes         []TapeCartridge
	logger        *Logger
	tapeDirectory string
}
type TapeDriveSimulator struct {
	name          string
	tape          *TapeCartridgeSimulator
	number        int
	busy          bool
	tapeDirectory string
	device        *ImageDevice
	logger        *Logger
}
type TapeCartridgeSimulator struct {
	name string
	slot int
}

const NumDrives int = 1

func NewTapeLibrarySimulator(tapeDirectory string, logger *Logger) (*TapeLibrarySimulator, error) {

	var simulator TapeLibrarySimulator
	simulator.tapeDirectory = tapeDirectory
	simulator.logger = logger

	// create drives based on number of drives
	for i := 0; i < NumDrives; i++ {
		simulator.drives = append(simulator.drives, NewTapeDriveSimulator(i, tapeDirectory, logger))
	}
	// every image file in the directory is a cartridge
	entries, err := os.ReadDir(tapeDirectory)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ImageSuffix) {
			names = append(names, strings.TrimSuffix(e.Name(), ImageSuffix))
		}
	}
	sort.Strings(names)
	for slot, name := range names {
		logger.Debug("Found tape: ", name)
		simulator.tapes = append(simulator.tapes, NewTapeCartridgeSimulator(slot, name))
	}
	return &simulator, nil
}

// ImagePath is where the image of the named cartridge lives
func ImagePath(tapeDirectory, name string) string {
	return filepath.Join(tapeDirectory, name+ImageSuffix)
}

// FUNCTIONS THAT IMPLEMENT THE TAPE LIBRARY INTERFACE
func (t *TapeLibrarySimulator) Audit() ([]TapeDrive, []TapeCartridge) {
	return t.drives, t.tapes
}
func (t *TapeLibrarySimulator) Load(tape TapeCartridge, drive TapeDrive) bool {
	td := drive.(*TapeDriveSimulator)
	if td.busy {
		t.logger.Error("drive busy: ", td.name)
		return false
	}
	td.tape = tape.(*TapeCartridgeSimulator)
	td.busy = true
	return true
}
func (t *TapeLibrarySimulator) Unload(drive TapeDrive) bool {
	td := drive.(*TapeDriveSimulator)
	if !td.busy {
		return false
	}
	td.Unmount()
	td.busy = false
	td.tape = nil
	return true
}
func NewTapeDriveSimulator(i int, tapeDirectory string, logger *Logger) *TapeDriveSimulator {
	drive := TapeDriveSimulator{
		name:          fmt.Sprintf("Drive-%d", i),
		number:        i,
		busy:          false,
		tapeDirectory: tapeDirectory,
		logger:        logger,
	}
	return &drive
}
func (td *TapeDriveSimulator) Name() string {
	return td.name
}
func (td *TapeDriveSimulator) GetCart() (TapeCartridge, bool) {
	if !td.busy {
		return nil, false
	}
	return td.tape, true
}

func (td *TapeDriveSimulator) Mount() (TapeDevice, error) {
	if !td.busy {
		return nil, fmt.Errorf("%s has no cartridge loaded", td.name)
	}
	if td.device != nil {
		return td.device, nil
	}
	path := ImagePath(td.tapeDirectory, td.tape.Name())
	td.logger.Event("Mounting ", path, " in ", td.name)
	device, err := OpenImage(path)
	if err != nil {
		return nil, err
	}
	td.device = device
	return device, nil
}
func (td *TapeDriveSimulator) Unmount() {
	if td.device != nil {
		td.device.Close()
		td.device = nil
	}
}
func NewTapeCartridgeSimulator(i int, name string) *TapeCartridgeSimulator {
	var cart TapeCartridgeSimulator
	cart.slot = i
	cart.name = name
	return &cart
}
func (c *TapeCartridgeSimulator) GetSlot() int {
	return c.slot
}
func (c *TapeCartridgeSimulator) Name() string {
	return c.name
}

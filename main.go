// These is the startup program
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"ltfs-xfer/diskio"
	"ltfs-xfer/jobsource"
	"ltfs-xfer/pipeline"
	. "ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	. "ltfs-xfer/utils"
	"ltfs-xfer/watchdog"
)

func main() {
	// get the command line arguments
	configFile := flag.String("config", DEFAULT_CONFIG_FILE, "JSON or YAML file with the drive mapping and session settings")
	logFile := flag.String("log", DEFAULT_LOG_FILE, "Log file for this run")
	clean := flag.Bool("clean", false, "Clean the log and catalog files")
	verify := flag.Bool("verify", false, "Verify that the config file matches the hardware")
	manifest := flag.String("manifest", "", "Queue the jobs of a manifest file in the catalog")
	recall := flag.Bool("recall", false, "Recall queued files from tape to disk")
	migrate := flag.Bool("migrate", false, "Migrate queued files from disk to tape")
	cartridge := flag.String("cartridge", "", "Only run the session of this cartridge")
	drive := flag.String("drive", "", "Drive to use, the first one if not set")
	outManifest := flag.String("outmanifest", "", "After migrating, write a recall manifest of the migrated files")
	compare := flag.String("compare", "", "After recalling, compare checksums with this migration session")
	metrics := flag.String("metrics", "", "Listen address for /health and /metrics")
	// simulation options
	simulate := flag.Bool("simulate", false, "Simulate a tape library ")
	simTapes := flag.Int("simtapes", 0, "Create the number of simulated tapes specified")
	simFiles := flag.Int("simfiles", 10, "Number of files per simulated tape")
	simSize := flag.Int("simsize", 4<<20, "Largest simulated file size in bytes")
	flag.Parse()

	// create the customer logger
	logger := NewLogger(*logFile, *clean)

	config, err := LoadConfig(*configFile)
	if err != nil {
		logger.Fatal("Unable to load configuration file ", *configFile, ": ", err)
	}
	logger.Configure(config.Logging.LogConfig())

	// if create simulated tapes then do it and exit
	if *simTapes != 0 {
		logger.Event("****CREATING SIMULATED TAPES**** ")
		sim := simulation{
			tapeDirectory: SIMULATION_TAPES,
			diskRoot:      config.DiskRoot,
			filesPerTape:  *simFiles,
			maxFileSize:   *simSize,
			logger:        logger,
		}
		name := *manifest
		if name == "" {
			name = "manifest.json"
		}
		if err := sim.createSimulatedTapes(*simTapes, name); err != nil {
			logger.Fatal("Unable to create simulated tapes: ", err)
		}
		return
	}

	// select the library type used
	var library TapeLibrary
	if *simulate {
		library, err = NewTapeLibrarySimulator(SIMULATION_TAPES, logger)
	} else {
		library, err = NewRealTapeLibrary(config.LibraryDevice, config.TapeDriveDevices, logger)
	}
	if err != nil {
		logger.Fatal("Unable to open tape library: ", err)
	}

	// run a verification of the config file
	if *verify {
		if !verifyLibrary(library, config) {
			logger.Fatal("Verification of config file: ", *configFile, " failed")
		}
		return
	}

	catalog, err := jobsource.NewCatalog(config.Catalog, *clean, logger)
	if err != nil {
		logger.Fatal("Unable to open catalog: ", err)
	}
	defer catalog.Close()

	if *manifest != "" {
		entries, err := jobsource.LoadManifest(*manifest)
		if err != nil {
			logger.Fatal(err)
		}
		if err := catalog.AddJobs(entries); err != nil {
			logger.Fatal(err)
		}
		logger.Event("Queued ", len(entries), " jobs from ", *manifest)
	}

	var directions []task.Direction
	if *recall {
		directions = append(directions, task.Recall)
	}
	if *migrate {
		directions = append(directions, task.Migration)
	}
	if len(directions) == 0 {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var s3 *diskio.S3
	if config.S3Enabled() {
		if s3, err = diskio.NewS3FromConfig(ctx, config.S3); err != nil {
			logger.Fatal(err)
		}
	}
	fs := diskio.NewRouter(&diskio.Posix{Root: config.DiskRoot}, s3, config.MaxOpenFiles)
	defer fs.Stop()

	wd := watchdog.New(config.WatchdogInterval, logger)
	go func() {
		if err := wd.Serve(ctx, *metrics); err != nil {
			logger.Error("Metrics server: ", err)
		}
	}()

	// log arguments
	logger.Event("****RUN PARMS **** ")
	logger.Event("\n\tSIMULATE: ", *simulate, "\n\tRECALL: ", *recall, "\n\tMIGRATE: ", *migrate, "\n\tCARTRIDGE: ", *cartridge)

	r := &runner{cfg: config, library: library, catalog: catalog, fs: fs, wd: wd, logger: logger}
	failed := false
	for _, d := range directions {
		carts := []string{*cartridge}
		if *cartridge == "" {
			if carts, err = catalog.Cartridges(d); err != nil {
				logger.Fatal(err)
			}
		}
		for _, cart := range carts {
			if ctx.Err() != nil {
				break
			}
			id, err := r.runCartridge(ctx, cart, *drive, d)
			if err != nil {
				logger.Error("Session on ", cart, " failed: ", err)
				failed = true
				continue
			}
			if d == task.Migration && *outManifest != "" {
				if err := r.writeRecallManifest(id, *outManifest); err != nil {
					logger.Error(err)
					failed = true
				}
			}
			if d == task.Recall && *compare != "" {
				mismatches, err := r.compare(id, *compare)
				if err != nil || mismatches > 0 {
					logger.Error("Checksum comparison with ", *compare, ": ", mismatches, " mismatches ", err)
					failed = true
				}
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

type runner struct {
	cfg     *Config
	library TapeLibrary
	catalog *jobsource.Catalog
	fs      diskio.FileSystem
	wd      *watchdog.Watchdog
	logger  *Logger
}

// runCartridge loads the cartridge, runs one session over its queued jobs
// and unloads it. It returns the session id.
func (r *runner) runCartridge(ctx context.Context, cartName, driveName string, d task.Direction) (string, error) {
	drives, carts := r.library.Audit()
	cart, ok := FindCartridge(carts, cartName)
	if !ok {
		return "", errors.Errorf("cartridge %s not in library", cartName)
	}
	var drive TapeDrive
	if driveName != "" {
		if drive, ok = FindDrive(drives, driveName); !ok {
			return "", errors.Errorf("drive %s not in library", driveName)
		}
	} else if len(drives) > 0 {
		drive = drives[0]
	} else {
		return "", errors.New("library has no drives")
	}

	if !r.library.Load(cart, drive) {
		return "", errors.Errorf("unable to load %s into %s", cartName, drive.Name())
	}
	defer r.library.Unload(drive)
	device, err := drive.Mount()
	if err != nil {
		return "", errors.Wrapf(err, "unable to mount %s", cartName)
	}

	source, err := r.catalog.StartSession(cartName, d)
	if err != nil {
		return "", err
	}
	logger := r.logger.With("session", source.ID, "cartridge", cartName)
	cfg := r.cfg.Session
	cfg.Direction = d
	session, err := pipeline.NewSession(cfg, source, device, r.fs, r.wd, logger)
	if err != nil {
		return source.ID, err
	}
	terminal, err := session.Run(ctx)
	if err != nil {
		return source.ID, err
	}

	sum, err := r.catalog.Summary(source.ID)
	if err != nil {
		return source.ID, err
	}
	if terminal.Nominal {
		logger.Event("Session ", source.ID, " on ", cartName, " ended: ", sum.Succeeded, " files")
	} else {
		logger.Event("Session ", source.ID, " on ", cartName, " ended with errors: ", sum.Succeeded, " ok, ", sum.Failed, " failed: ", terminal.Message)
	}
	return source.ID, nil
}

// writeRecallManifest turns what a migration session put on tape into
// recall jobs.
func (r *runner) writeRecallManifest(sessionID, name string) error {
	entries, _, err := r.catalog.Migrated(sessionID)
	if err != nil {
		return err
	}
	for i := range entries {
		entries[i].Path = filepath.Join("recall", entries[i].Cartridge, entries[i].FileID)
	}
	r.logger.Event("Writing ", len(entries), " recall jobs to ", name)
	return jobsource.WriteManifest(name, entries)
}

// compare checks the checksums of a recall session against the ones a
// migration session recorded for the same files.
func (r *runner) compare(recallID, migrationID string) (int, error) {
	_, expected, err := r.catalog.Migrated(migrationID)
	if err != nil {
		return 0, err
	}
	got, err := r.catalog.Checksums(recallID)
	if err != nil {
		return 0, err
	}
	mismatches := 0
	for id, sum := range got {
		want, ok := expected[id]
		if !ok {
			continue
		}
		if want != sum {
			r.logger.Error("Checksum mismatch for ", id, ": migrated ", want, ", recalled ", sum)
			mismatches++
		}
	}
	return mismatches, nil
}

func verifyLibrary(library TapeLibrary, config *Config) bool {
	fmt.Println("\n\nLibrary: ", config.LibraryDevice)
	tapeDrives, tapeCartridges := library.Audit()

	fmt.Println("\nCartridge")
	for _, tc := range tapeCartridges {
		fmt.Printf("%.18s\n", tc.Name())
	}
	fmt.Println("\nDrive\t\tCart")
	for _, td := range tapeDrives {
		if cart, ok := td.GetCart(); ok {
			fmt.Printf("%-16s%16s\n", td.Name(), cart.Name())
		} else {
			fmt.Printf("%-16s%16s\n", td.Name(), "No Cartridge")
		}
	}
	return len(tapeDrives) > 0
}

package jobsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"ltfs-xfer/errcode"
	"ltfs-xfer/tapehardware"
	"ltfs-xfer/task"
	. "ltfs-xfer/utils"
)

// job states in the jobs table
const (
	STATE_QUEUED = iota
	STATE_DISPATCHED
	STATE_DONE
	STATE_FAILED
)

// session states in the sessions table
const (
	SESSION_RUNNING = iota
	SESSION_ENDED
	SESSION_ENDED_WITH_ERRORS
)

// Catalog is a local sqlite job queue. Jobs are added per cartridge from a
// manifest; a session drains the jobs of one cartridge in one direction.
type Catalog struct {
	db           *sql.DB
	lockResource *Resource
	lockValue    int
	logger       *Logger
}

func NewCatalog(dbName string, clean bool, logger *Logger) (*Catalog, error) {
	// remove and setup the db
	if clean {
		os.Remove(dbName)
	}
	db, err := sql.Open("sqlite", dbName)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open db %s", dbName)
	}
	// one connection, sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	catalog := &Catalog{
		db:           db,
		lockResource: NewResource(1),
		logger:       logger,
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS jobs (fileid TEXT NOT NULL PRIMARY KEY, cartridge TEXT NOT NULL, direction INT NOT NULL,
			fseq INT DEFAULT 0, blockid INT DEFAULT 0, path TEXT NOT NULL, size INT NOT NULL, state INT DEFAULT 0, session TEXT DEFAULT '')`,
		`CREATE INDEX IF NOT EXISTS jobs_order ON jobs (cartridge, direction, state, fseq, blockid)`,
		`CREATE TABLE IF NOT EXISTS outcomes (id INTEGER PRIMARY KEY AUTOINCREMENT, session TEXT NOT NULL, fileid TEXT NOT NULL,
			ok BOOL NOT NULL, fseq INT, blockid INT, bytes INT DEFAULT 0, checksum TEXT DEFAULT '', message TEXT DEFAULT '', code INT DEFAULT 0)`,
		`CREATE TABLE IF NOT EXISTS sessions (sessionid TEXT NOT NULL PRIMARY KEY, cartridge TEXT NOT NULL, direction INT NOT NULL,
			state INT DEFAULT 0, message TEXT DEFAULT '', code INT DEFAULT 0)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "could not create catalog tables")
		}
	}
	return catalog, nil
}

func (c *Catalog) lock() {
	c.lockValue = c.lockResource.Reserve()
}
func (c *Catalog) unlock() {
	c.lockResource.Release(c.lockValue)
}

func (c *Catalog) Close() error {
	c.lockResource.Stop()
	return c.db.Close()
}

// ManifestEntry is one line of a job manifest.
type ManifestEntry struct {
	Cartridge string `json:"cartridge"`
	task.JobDescriptor
}

func LoadManifest(name string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read manifest %s", name)
	}
	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "unable to parse manifest %s", name)
	}
	return entries, nil
}

func WriteManifest(name string, entries []ManifestEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to encode manifest")
	}
	return errors.Wrapf(os.WriteFile(name, data, 0644), "unable to write manifest %s", name)
}

// AddJobs queues the entries. An entry for a file id already in the catalog
// replaces it and is queued again.
func (c *Catalog) AddJobs(entries []ManifestEntry) error {
	c.lock()
	defer c.unlock()
	tx, err := c.db.Begin()
	if err != nil {
		return errors.Wrap(err, "unable to start transaction")
	}
	defer tx.Rollback()
	for _, e := range entries {
		if e.FileID == "" || e.Cartridge == "" || e.Path == "" {
			return errors.Errorf("manifest entry %+v needs a file id, a cartridge and a path", e)
		}
		_, err := tx.Exec(`INSERT OR REPLACE INTO jobs (fileid, cartridge, direction, fseq, blockid, path, size, state, session)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')`,
			e.FileID, e.Cartridge, int(e.Direction), int64(e.Position.FSeq), int64(e.Position.BlockID), e.Path, e.Size, STATE_QUEUED)
		if err != nil {
			return errors.Wrapf(err, "unable to add job %s", e.FileID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "unable to commit jobs")
	}
	c.logger.Event("Queued ", len(entries), " jobs")
	return nil
}

// Cartridges lists cartridges with queued jobs in direction d.
func (c *Catalog) Cartridges(d task.Direction) ([]string, error) {
	c.lock()
	defer c.unlock()
	rows, err := c.db.Query(`SELECT DISTINCT cartridge FROM jobs WHERE direction = ? AND state = ? ORDER BY cartridge`, int(d), STATE_QUEUED)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list cartridges")
	}
	defer rows.Close()
	var carts []string
	for rows.Next() {
		var cart string
		if err := rows.Scan(&cart); err != nil {
			return nil, errors.Wrap(err, "unable to scan cartridge")
		}
		carts = append(carts, cart)
	}
	return carts, rows.Err()
}

// StartSession opens a session over the queued jobs of one cartridge.
func (c *Catalog) StartSession(cartridge string, d task.Direction) (*CatalogSession, error) {
	id := NewID()
	c.lock()
	defer c.unlock()
	_, err := c.db.Exec(`INSERT INTO sessions (sessionid, cartridge, direction, state) VALUES (?, ?, ?, ?)`,
		id, cartridge, int(d), SESSION_RUNNING)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create session")
	}
	return &CatalogSession{catalog: c, ID: id, Cartridge: cartridge, Direction: d}, nil
}

// CatalogSession is the JobSource of one session.
type CatalogSession struct {
	catalog   *Catalog
	ID        string
	Cartridge string
	Direction task.Direction
}

// GetNextJobBatch returns queued jobs in tape order, at most MaxFiles of
// them and at most MaxBytes in total, but always at least one if any is
// queued.
func (s *CatalogSession) GetNextJobBatch(ctx context.Context, req task.BatchRequest) (Batch, error) {
	c := s.catalog
	c.lock()
	defer c.unlock()

	// migrations go to end of data so their order is the queueing order
	order := `fseq, blockid`
	if s.Direction == task.Migration {
		order = `rowid`
	}
	rows, err := c.db.QueryContext(ctx, `SELECT fileid, fseq, blockid, path, size FROM jobs
		WHERE cartridge = ? AND direction = ? AND state = ? ORDER BY `+order+` LIMIT ?`,
		s.Cartridge, int(s.Direction), STATE_QUEUED, req.MaxFiles)
	if err != nil {
		return Batch{}, CommunicationError("get batch", err)
	}
	var batch Batch
	var total int64
	for rows.Next() {
		var job task.JobDescriptor
		var fseq, blockid int64
		if err := rows.Scan(&job.FileID, &fseq, &blockid, &job.Path, &job.Size); err != nil {
			rows.Close()
			return Batch{}, CommunicationError("get batch", err)
		}
		if len(batch.Jobs) > 0 && req.MaxBytes > 0 && total+job.Size > req.MaxBytes {
			break
		}
		job.Position = tapehardware.TapePosition{FSeq: uint64(fseq), BlockID: uint64(blockid)}
		job.Direction = s.Direction
		batch.Jobs = append(batch.Jobs, job)
		total += job.Size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Batch{}, CommunicationError("get batch", err)
	}

	for _, job := range batch.Jobs {
		_, err := c.db.ExecContext(ctx, `UPDATE jobs SET state = ?, session = ? WHERE fileid = ?`, STATE_DISPATCHED, s.ID, job.FileID)
		if err != nil {
			return Batch{}, CommunicationError("get batch", err)
		}
	}
	if len(batch.Jobs) == 0 {
		batch.EndOfData = req.LastCall
	}
	return batch, nil
}

func (s *CatalogSession) ReportOutcomes(ctx context.Context, outcomes []task.Outcome) error {
	c := s.catalog
	c.lock()
	defer c.unlock()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return CommunicationError("report outcomes", err)
	}
	defer tx.Rollback()
	for _, o := range outcomes {
		var bytes int64
		var checksum, message string
		code := errcode.OK
		state := STATE_DONE
		if o.Success != nil {
			bytes, checksum = o.Success.BytesWritten, o.Success.Checksum
		}
		if o.Failure != nil {
			message, code, state = o.Failure.Message, o.Failure.Code, STATE_FAILED
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO outcomes (session, fileid, ok, fseq, blockid, bytes, checksum, message, code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, o.FileID, o.OK(), int64(o.Position.FSeq), int64(o.Position.BlockID), bytes, checksum, message, int(code))
		if err != nil {
			return CommunicationError("report outcomes", err)
		}
		// a migrated file is now at the position it was written to
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET state = ?, fseq = ?, blockid = ? WHERE fileid = ?`,
			state, int64(o.Position.FSeq), int64(o.Position.BlockID), o.FileID)
		if err != nil {
			return CommunicationError("report outcomes", err)
		}
	}
	return CommunicationError("report outcomes", tx.Commit())
}

func (s *CatalogSession) ReportEndOfSession(ctx context.Context) error {
	return s.end(ctx, SESSION_ENDED, "", errcode.OK)
}

func (s *CatalogSession) ReportEndOfSessionWithErrors(ctx context.Context, message string, code errcode.Code) error {
	return s.end(ctx, SESSION_ENDED_WITH_ERRORS, message, code)
}

func (s *CatalogSession) end(ctx context.Context, state int, message string, code errcode.Code) error {
	c := s.catalog
	c.lock()
	defer c.unlock()
	res, err := c.db.ExecContext(ctx, `UPDATE sessions SET state = ?, message = ?, code = ? WHERE sessionid = ? AND state = ?`,
		state, message, int(code), s.ID, SESSION_RUNNING)
	if err != nil {
		return CommunicationError("end session", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return errors.Errorf("session %s already ended", s.ID)
	}
	// jobs handed out but never reported go back on the queue
	res, err = c.db.ExecContext(ctx, `UPDATE jobs SET state = ?, session = '' WHERE session = ? AND state = ?`,
		STATE_QUEUED, s.ID, STATE_DISPATCHED)
	if err != nil {
		return CommunicationError("end session", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		c.logger.Event("Session ", s.ID, " requeued ", n, " jobs without outcome")
	}
	return nil
}

// SessionSummary is what the catalog recorded for one session.
type SessionSummary struct {
	ID        string
	State     int
	Message   string
	Code      errcode.Code
	Succeeded int
	Failed    int
}

func (c *Catalog) Summary(sessionID string) (SessionSummary, error) {
	c.lock()
	defer c.unlock()
	sum := SessionSummary{ID: sessionID}
	var code int
	err := c.db.QueryRow(`SELECT state, message, code FROM sessions WHERE sessionid = ?`, sessionID).Scan(&sum.State, &sum.Message, &code)
	if err != nil {
		return sum, errors.Wrapf(err, "unable to read session %s", sessionID)
	}
	sum.Code = errcode.Code(code)
	err = c.db.QueryRow(`SELECT COALESCE(SUM(CASE WHEN ok THEN 1 ELSE 0 END), 0), COALESCE(SUM(CASE WHEN ok THEN 0 ELSE 1 END), 0)
		FROM outcomes WHERE session = ?`, sessionID).Scan(&sum.Succeeded, &sum.Failed)
	if err != nil {
		return sum, errors.Wrapf(err, "unable to count outcomes of %s", sessionID)
	}
	return sum, nil
}

// Migrated returns the files a session wrote to tape with their positions
// and checksums.
func (c *Catalog) Migrated(sessionID string) ([]ManifestEntry, map[string]string, error) {
	c.lock()
	defer c.unlock()
	rows, err := c.db.Query(`SELECT o.fileid, j.cartridge, o.fseq, o.blockid, j.path, o.bytes, o.checksum
		FROM outcomes o JOIN jobs j ON j.fileid = o.fileid
		WHERE o.session = ? AND o.ok ORDER BY o.fseq`, sessionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to list migrated files")
	}
	defer rows.Close()
	var entries []ManifestEntry
	checksums := make(map[string]string)
	for rows.Next() {
		var e ManifestEntry
		var fseq, blockid int64
		var checksum string
		if err := rows.Scan(&e.FileID, &e.Cartridge, &fseq, &blockid, &e.Path, &e.Size, &checksum); err != nil {
			return nil, nil, errors.Wrap(err, "unable to scan migrated file")
		}
		e.Position = tapehardware.TapePosition{FSeq: uint64(fseq), BlockID: uint64(blockid)}
		e.Direction = task.Recall
		entries = append(entries, e)
		checksums[e.FileID] = checksum
	}
	return entries, checksums, rows.Err()
}

// Checksums returns the checksum recorded for every file a session
// completed.
func (c *Catalog) Checksums(sessionID string) (map[string]string, error) {
	c.lock()
	defer c.unlock()
	rows, err := c.db.Query(`SELECT fileid, checksum FROM outcomes WHERE session = ? AND ok`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list checksums")
	}
	defer rows.Close()
	sums := make(map[string]string)
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, errors.Wrap(err, "unable to scan checksum")
		}
		sums[id] = sum
	}
	return sums, rows.Err()
}

var _ JobSource = (*CatalogSession)(nil)

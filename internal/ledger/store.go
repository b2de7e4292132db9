// Package ledger persists finished jobs to a local sqlite database so past
// runs can be listed with `vvbatch history`.
package ledger

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rrdrake/vvtools-sub002/internal/job"
	"github.com/rrdrake/vvtools-sub002/internal/utils"
)

const schema = `create table if not exists jobs(
	id integer primary key autoincrement,
	name text not null,
	job_id text not null,
	backend text not null,
	queue text not null default '',
	status text not null,
	exit_code integer,
	script text not null default '',
	log text not null default '',
	submitted integer not null default 0,
	started integer not null default 0,
	finished integer not null default 0,
	recorded integer not null
);
create index if not exists jobs_recorded on jobs(recorded);`

// Entry is one finished job as stored in the ledger
type Entry struct {
	ID        int64
	Name      string
	JobID     string
	Backend   string
	Queue     string
	Status    string
	ExitCode  *int
	Script    string
	Log       string
	Submitted time.Time
	Started   time.Time
	Finished  time.Time
	Recorded  time.Time
}

// Store is a sqlite-backed ledger
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the ledger at path
func Open(path string) (*Store, error) {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger %s: %w", path, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Save records a finished job
func (s *Store) Save(snap job.Snapshot, backend string) error {
	var code sql.NullInt64
	if snap.HasExit {
		code = sql.NullInt64{Int64: int64(snap.ExitCode), Valid: true}
	}

	started := snap.Script.Start
	if started.IsZero() {
		started = snap.Queue.Run
	}
	finished := latest(snap.Queue.Done, snap.Script.Done)

	_, err := s.db.Exec(`insert into jobs (
		name, job_id, backend, queue, status, exit_code, script, log,
		submitted, started, finished, recorded
		) values (?,?,?,?,?,?,?,?,?,?,?,?);`,
		snap.Spec.Name, snap.JobID, backend, snap.Spec.Queue, string(snap.Exit), code,
		snap.Spec.ScriptPath, snap.Spec.LogPath,
		unix(snap.Queue.Submit), unix(started), unix(finished), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", snap.Spec.Name, err)
	}
	return nil
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	query := `select id, name, job_id, backend, queue, status, exit_code, script, log,
		submitted, started, finished, recorded
		from jobs order by recorded desc, id desc`
	var args []interface{}
	if limit > 0 {
		query += " limit ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                                      Entry
			code                                   sql.NullInt64
			submitted, started, finished, recorded int64
		)
		if err := rows.Scan(
			&e.ID, &e.Name, &e.JobID, &e.Backend, &e.Queue, &e.Status, &code,
			&e.Script, &e.Log, &submitted, &started, &finished, &recorded,
		); err != nil {
			return nil, fmt.Errorf("failed to read ledger row: %w", err)
		}
		if code.Valid {
			c := int(code.Int64)
			e.ExitCode = &c
		}
		e.Submitted = fromUnix(submitted)
		e.Started = fromUnix(started)
		e.Finished = fromUnix(finished)
		e.Recorded = time.Unix(0, recorded)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// dates are stored as unix seconds with 0 meaning unset
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Package stats keeps the aggregate series behind the operator charts:
// processed-over-time history, subtask status distribution, completion
// progress, and recent git activity. The store is an in-memory SQLite
// database fed through a buffered channel and drained by one worker
// goroutine, so recording from the request path never blocks on I/O.
package stats

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

const schema = `
CREATE TABLE IF NOT EXISTS processed_samples (
	at    INTEGER NOT NULL,
	count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_samples_at ON processed_samples(at);

CREATE TABLE IF NOT EXISTS status_counts (
	status TEXT PRIMARY KEY,
	count  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS progress (
	id       INTEGER PRIMARY KEY CHECK (id = 1),
	accepted INTEGER NOT NULL,
	total    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
	hash    TEXT PRIMARY KEY,
	message TEXT NOT NULL,
	at      INTEGER NOT NULL
);
`

// Op tags one recorded event.
type Op string

const (
	// OpReportProcessed advances the cumulative processed counter by one.
	OpReportProcessed Op = "report_processed"
	// OpLedgerSnapshot replaces the status distribution and progress.
	OpLedgerSnapshot Op = "ledger_snapshot"
	// OpGitActivity replaces the recent-commit feed.
	OpGitActivity Op = "git_activity"
	// OpReset clears every aggregate.
	OpReset Op = "reset"
)

// Event is one fire-and-forget update to the aggregates. Only the
// fields for its Op are read.
type Event struct {
	Op           Op
	At           time.Time
	Distribution map[proto.Status]int
	Accepted     int
	Total        int
	Commits      []proto.CommitInfo
}

// Aggregates is the read-side snapshot served to the UI.
type Aggregates struct {
	ProcessedOverTime      []proto.ProcessedPoint
	TaskStatusDistribution map[proto.Status]int
	Progress               proto.ProgressData
	GitActivity            []proto.CommitInfo
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	// HistoryLength bounds the processed-over-time series (per-minute
	// samples, newest last).
	HistoryLength int
	// Buffer is the event channel capacity.
	Buffer int
}

const (
	defaultHistoryLength = 20
	defaultBuffer        = 100
)

// Store owns the aggregate database and its drain worker.
type Store struct {
	db            *sql.DB
	logger        *logx.Logger
	historyLength int

	processed int

	events chan Event
	done   chan struct{}
}

// New opens the in-memory database and creates the schema. Call Start
// to begin draining events and Close to flush and tear down.
func New(opts Options) (*Store, error) {
	if opts.HistoryLength <= 0 {
		opts.HistoryLength = defaultHistoryLength
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}
	// One connection only: the database lives and dies with it, and
	// SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping stats database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize stats schema: %w", err)
	}

	return &Store{
		db:            db,
		logger:        logx.NewLogger("stats"),
		historyLength: opts.HistoryLength,
		events:        make(chan Event, opts.Buffer),
	}, nil
}

// Start launches the drain worker. The worker consumes every queued
// event before signaling completion, so Close never loses updates that
// were recorded before it was called.
func (s *Store) Start() {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for ev := range s.events {
			s.apply(ev)
		}
	}()
}

// Record queues one event. Recording never blocks: when the buffer is
// full the event is dropped and the charts catch up on the next one.
func (s *Store) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("stats buffer full, dropped %s event", ev.Op)
	}
}

// Close drains outstanding events and closes the database.
func (s *Store) Close() error {
	close(s.events)
	if s.done != nil {
		<-s.done
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close stats database: %w", err)
	}
	return nil
}

func (s *Store) apply(ev Event) {
	var err error
	switch ev.Op {
	case OpReportProcessed:
		err = s.applyProcessed(ev.At)
	case OpLedgerSnapshot:
		err = s.applyLedgerSnapshot(ev)
	case OpGitActivity:
		err = s.applyGitActivity(ev.Commits)
	case OpReset:
		err = s.applyReset()
	default:
		s.logger.Warn("unknown stats op: %s", ev.Op)
		return
	}
	if err != nil {
		s.logger.Error("failed to apply %s: %v", ev.Op, err)
	}
}

func (s *Store) applyProcessed(at time.Time) error {
	s.processed++
	if _, err := s.db.Exec(
		`INSERT INTO processed_samples (at, count) VALUES (?, ?)`,
		at.Unix(), s.processed,
	); err != nil {
		return fmt.Errorf("insert processed sample: %w", err)
	}

	// Samples older than the history window never surface again.
	cutoff := at.Unix() - int64(s.historyLength)*60
	if _, err := s.db.Exec(`DELETE FROM processed_samples WHERE at < ?`, cutoff); err != nil {
		return fmt.Errorf("prune processed samples: %w", err)
	}
	return nil
}

func (s *Store) applyLedgerSnapshot(ev Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM status_counts`); err != nil {
		return fmt.Errorf("clear status counts: %w", err)
	}
	for status, count := range ev.Distribution {
		if _, err := tx.Exec(
			`INSERT INTO status_counts (status, count) VALUES (?, ?)`,
			string(status), count,
		); err != nil {
			return fmt.Errorf("insert status count %s: %w", status, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO progress (id, accepted, total) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET accepted = excluded.accepted, total = excluded.total`,
		ev.Accepted, ev.Total,
	); err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

func (s *Store) applyGitActivity(commits []proto.CommitInfo) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin git tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM commits`); err != nil {
		return fmt.Errorf("clear commits: %w", err)
	}
	for i := range commits {
		c := &commits[i]
		if _, err := tx.Exec(
			`INSERT INTO commits (hash, message, at) VALUES (?, ?, ?)
			 ON CONFLICT(hash) DO UPDATE SET message = excluded.message, at = excluded.at`,
			c.Hash, c.Message, c.When.Unix(),
		); err != nil {
			return fmt.Errorf("insert commit %s: %w", c.Hash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit git tx: %w", err)
	}
	return nil
}

func (s *Store) applyReset() error {
	s.processed = 0
	for _, stmt := range []string{
		`DELETE FROM processed_samples`,
		`DELETE FROM status_counts`,
		`DELETE FROM progress`,
		`DELETE FROM commits`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("reset aggregates: %w", err)
		}
	}
	return nil
}

// Aggregates reads the current chart series. The processed series is
// coalesced to one sample per minute, newest last.
func (s *Store) Aggregates() (Aggregates, error) {
	agg := Aggregates{TaskStatusDistribution: make(map[proto.Status]int)}

	rows, err := s.db.Query(
		`SELECT at / 60 AS minute, MAX(count) AS count
		 FROM processed_samples
		 GROUP BY minute
		 ORDER BY minute DESC
		 LIMIT ?`, s.historyLength,
	)
	if err != nil {
		return agg, fmt.Errorf("query processed samples: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var points []proto.ProcessedPoint
	for rows.Next() {
		var minute, count int64
		if err := rows.Scan(&minute, &count); err != nil {
			return agg, fmt.Errorf("scan processed sample: %w", err)
		}
		points = append(points, proto.ProcessedPoint{At: time.Unix(minute*60, 0).UTC(), Count: int(count)})
	}
	if err := rows.Err(); err != nil {
		return agg, fmt.Errorf("iterate processed samples: %w", err)
	}
	// The query returns newest first; the charts want chronological order.
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	agg.ProcessedOverTime = points

	statusRows, err := s.db.Query(`SELECT status, count FROM status_counts`)
	if err != nil {
		return agg, fmt.Errorf("query status counts: %w", err)
	}
	defer func() { _ = statusRows.Close() }()
	for statusRows.Next() {
		var status string
		var count int
		if err := statusRows.Scan(&status, &count); err != nil {
			return agg, fmt.Errorf("scan status count: %w", err)
		}
		agg.TaskStatusDistribution[proto.Status(status)] = count
	}
	if err := statusRows.Err(); err != nil {
		return agg, fmt.Errorf("iterate status counts: %w", err)
	}

	var accepted, total int
	err = s.db.QueryRow(`SELECT accepted, total FROM progress WHERE id = 1`).Scan(&accepted, &total)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No snapshot yet; zero progress.
	case err != nil:
		return agg, fmt.Errorf("query progress: %w", err)
	}
	agg.Progress = proto.ProgressData{Accepted: accepted, Total: total}
	if total > 0 {
		agg.Progress.Percent = float64(accepted) / float64(total) * 100
	}

	commitRows, err := s.db.Query(`SELECT hash, message, at FROM commits ORDER BY at DESC`)
	if err != nil {
		return agg, fmt.Errorf("query commits: %w", err)
	}
	defer func() { _ = commitRows.Close() }()
	for commitRows.Next() {
		var c proto.CommitInfo
		var at int64
		if err := commitRows.Scan(&c.Hash, &c.Message, &at); err != nil {
			return agg, fmt.Errorf("scan commit: %w", err)
		}
		c.When = time.Unix(at, 0).UTC()
		agg.GitActivity = append(agg.GitActivity, c)
	}
	if err := commitRows.Err(); err != nil {
		return agg, fmt.Errorf("iterate commits: %w", err)
	}

	return agg, nil
}

// Package journal is the write-only audit log: every published shelf event
// and every finished object lifecycle lands in SQLite. Nothing in the
// engine reads it back; it exists for operators and the monitoring UI.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/keystone-vision/shelfwatch/internal/vision"
)

type Journal struct {
	*sql.DB

	path string
}

var _ vision.TrackArchive = (*Journal)(nil)

// Open opens or creates the journal database. Run MigrateUp before the
// first write.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{DB: db, path: path}, nil
}

// applyPragmas sets the essential PRAGMAs on every database we open. WAL
// keeps readers (the monitor, tailsql) from blocking the event writer.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Event is one audit row: a detected or removed shelf event as it was
// published.
type Event struct {
	EventID   string    `json:"event_id"`
	ObjectID  int64     `json:"object_id"`
	Kind      string    `json:"kind"`
	Label     string    `json:"label"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
}

func (e *Event) String() string {
	return fmt.Sprintf("EventID: %s, ObjectID: %d, Kind: %s, Label: %s, Quantity: %d",
		e.EventID, e.ObjectID, e.Kind, e.Label, e.Quantity)
}

// RecordDetected journals a detected event for an enriched object.
func (j *Journal) RecordDetected(objectID int64, label string, quantity int) error {
	_, err := j.Exec(
		`INSERT INTO events (event_id, object_id, kind, label, quantity) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), objectID, "detected", label, quantity,
	)
	return err
}

// RecordRemoved journals a removed event for a departed object.
func (j *Journal) RecordRemoved(objectID int64, label string) error {
	_, err := j.Exec(
		`INSERT INTO events (event_id, object_id, kind, label, quantity) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), objectID, "removed", label, 1,
	)
	return err
}

// ArchiveTrack stores the final snapshot of an evicted object, whatever
// its outcome was. Times are stored as unix seconds.
func (j *Journal) ArchiveTrack(obj vision.TrackedObject) error {
	_, err := j.Exec(
		`INSERT INTO tracks (
			object_id, coarse_label, refined_label, outcome,
			present_frames, missing_frames, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		obj.ID, obj.CoarseLabel, obj.RefinedLabel, string(obj.Outcome),
		obj.PresentFrames, obj.MissingFrames, obj.FirstSeen.Unix(), obj.LastSeen.Unix(),
	)
	return err
}

// RecentEvents returns the newest events, most recent first.
func (j *Journal) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.Query(
		`SELECT event_id, object_id, kind, label, quantity, created_at
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt int64
		if err := rows.Scan(&e.EventID, &e.ObjectID, &e.Kind, &e.Label, &e.Quantity, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// ArchivedTrack is one finished lifecycle as stored.
type ArchivedTrack struct {
	ObjectID      int64     `json:"object_id"`
	CoarseLabel   string    `json:"coarse_label"`
	RefinedLabel  string    `json:"refined_label"`
	Outcome       string    `json:"outcome"`
	PresentFrames int       `json:"present_frames"`
	MissingFrames int       `json:"missing_frames"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// RecentTracks returns the newest archived lifecycles, most recent first.
func (j *Journal) RecentTracks(limit int) ([]ArchivedTrack, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.Query(
		`SELECT object_id, coarse_label, refined_label, outcome,
		        present_frames, missing_frames, first_seen, last_seen, archived_at
		 FROM tracks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []ArchivedTrack
	for rows.Next() {
		var t ArchivedTrack
		var firstSeen, lastSeen, archivedAt int64
		if err := rows.Scan(
			&t.ObjectID, &t.CoarseLabel, &t.RefinedLabel, &t.Outcome,
			&t.PresentFrames, &t.MissingFrames, &firstSeen, &lastSeen, &archivedAt,
		); err != nil {
			return nil, err
		}
		t.FirstSeen = time.Unix(firstSeen, 0).UTC()
		t.LastSeen = time.Unix(lastSeen, 0).UTC()
		t.ArchivedAt = time.Unix(archivedAt, 0).UTC()
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return tracks, nil
}

// EventCount is one chart bucket: events of one kind within one minute.
type EventCount struct {
	Bucket string `json:"bucket"`
	Kind   string `json:"kind"`
	Count  int    `json:"count"`
}

// EventCountsByMinute aggregates events per minute since the given time,
// oldest bucket first. Feeds the monitoring chart.
func (j *Journal) EventCountsByMinute(since time.Time) ([]EventCount, error) {
	rows, err := j.Query(
		`SELECT strftime('%Y-%m-%dT%H:%M', created_at, 'unixepoch') AS bucket, kind, COUNT(*)
		 FROM events
		 WHERE created_at >= ?
		 GROUP BY bucket, kind
		 ORDER BY bucket ASC`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []EventCount
	for rows.Next() {
		var c EventCount
		if err := rows.Scan(&c.Bucket, &c.Kind, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

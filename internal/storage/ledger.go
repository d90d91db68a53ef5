package storage

import (
	"context"
	"time"
)

// Event kinds written to the ledger.
const (
	EventState     = "state"     // participant session changed state
	EventError     = "error"     // participant session surfaced an error
	EventShare     = "share"     // a document was shared
	EventEnded     = "ended"     // session torn down
	EventRegister  = "register"  // broker accepted a name
	EventCollision = "collision" // broker refused a name already registered
	EventExpire    = "expire"    // broker dropped a name after its TTL
	EventLeave     = "leave"     // broker saw a peer disconnect
)

// DefaultEventLimit bounds Events when limit <= 0.
const DefaultEventLimit = 200

type Event struct {
	ID            int64     `json:"id"`
	AppointmentID string    `json:"appointment_id"`
	Peer          string    `json:"peer"`
	Kind          string    `json:"kind"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Record appends e. A zero CreatedAt is stamped with the current time.
func (d *DB) Record(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, d.rebind(`INSERT INTO call_events
		(appointment_id, peer, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`),
		e.AppointmentID, e.Peer, e.Kind, e.Detail, e.CreatedAt.UnixMilli())
	return err
}

// Events returns up to limit events for appointmentID, oldest first.
// An empty appointmentID lists events from every appointment.
func (d *DB) Events(ctx context.Context, appointmentID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	q := `SELECT id, appointment_id, peer, kind, detail, created_at FROM (
		SELECT id, appointment_id, peer, kind, detail, created_at FROM call_events
		WHERE ? = '' OR appointment_id = ?
		ORDER BY id DESC LIMIT ?) recent ORDER BY id ASC`
	rows, err := d.db.QueryContext(ctx, d.rebind(q), appointmentID, appointmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ms int64
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.Peer, &e.Kind, &e.Detail, &ms); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

package queue

import (
	"database/sql"
	"time"

	"github.com/mrhat-cam/sentinel/internal/errors"
)

// Message is one queued outbound message. Payload bytes are opaque to the
// queue; Kind records what they encode (image or telemetry).
type Message struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Kind          string    `json:"kind"`
	Payload       []byte    `json:"-"`
	State         State     `json:"state"`
	Retries       int       `json:"retries"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Enqueue inserts m as PENDING and enforces the capacity bound. It returns
// the IDs of any evicted messages, oldest pending first.
func (q *Queue) Enqueue(m *Message) ([]string, error) {
	_, err := q.db.Exec(`
		INSERT INTO outbound (id, topic, kind, payload, state, retries, enqueued_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, m.Topic, m.Kind, m.Payload, StatePending,
		m.EnqueuedAt.UnixMilli(), m.NextAttemptAt.UnixMilli(),
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return q.evictOverCapacity()
}

// evictOverCapacity drops the oldest non-in-flight rows until the queue fits
// its bound again. Evicted messages are lost; callers log them.
func (q *Queue) evictOverCapacity() ([]string, error) {
	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM outbound`).Scan(&count); err != nil {
		return nil, errors.NewInternal(err)
	}
	excess := count - q.capacity
	if excess <= 0 {
		return nil, nil
	}

	rows, err := q.db.Query(`
		SELECT id FROM outbound
		WHERE state != ?
		ORDER BY enqueued_at, id
		LIMIT ?`,
		StateInFlight, excess,
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var evicted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.NewInternal(err)
		}
		evicted = append(evicted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	for _, id := range evicted {
		if _, err := q.db.Exec(`DELETE FROM outbound WHERE id = ?`, id); err != nil {
			return evicted, errors.NewInternal(err)
		}
	}
	return evicted, nil
}

// Eligible returns messages due for a delivery attempt at now, in FIFO order
// of original enqueue time irrespective of retry count. Messages still
// waiting out their backoff are excluded.
func (q *Queue) Eligible(now time.Time) ([]Message, error) {
	rows, err := q.db.Query(`
		SELECT id, topic, kind, payload, state, retries, enqueued_at, next_attempt_at
		FROM outbound
		WHERE state IN (?, ?) AND next_attempt_at <= ?
		ORDER BY enqueued_at, id`,
		StatePending, StateFailed, now.UnixMilli(),
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkInFlight transitions a message to IN_FLIGHT for the duration of a
// publish attempt.
func (q *Queue) MarkInFlight(id string) error {
	return q.setState(id, StateInFlight)
}

// Ack removes a delivered message. Acked messages are not kept; the queue is
// a buffer, not a ledger.
func (q *Queue) Ack(id string) error {
	return q.delete(id)
}

// Fail records a failed attempt: the retry counter is advanced and the
// message becomes eligible again at nextAttempt.
func (q *Queue) Fail(id string, retries int, nextAttempt time.Time) error {
	res, err := q.db.Exec(`
		UPDATE outbound SET state = ?, retries = ?, next_attempt_at = ?
		WHERE id = ?`,
		StateFailed, retries, nextAttempt.UnixMilli(), id,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(res, id)
}

// Abandon removes a message that exhausted its retries. Idempotent:
// abandoning an already-removed message is not an error.
func (q *Queue) Abandon(id string) error {
	_, err := q.db.Exec(`DELETE FROM outbound WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// Len returns the number of buffered messages.
func (q *Queue) Len() (int, error) {
	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM outbound`).Scan(&count); err != nil {
		return 0, errors.NewInternal(err)
	}
	return count, nil
}

// List returns up to limit messages in FIFO order, for operator inspection.
func (q *Queue) List(limit int) ([]Message, error) {
	rows, err := q.db.Query(`
		SELECT id, topic, kind, payload, state, retries, enqueued_at, next_attempt_at
		FROM outbound
		ORDER BY enqueued_at, id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Purge removes every buffered message and returns how many were dropped.
func (q *Queue) Purge() (int, error) {
	res, err := q.db.Exec(`DELETE FROM outbound`)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}

func (q *Queue) setState(id string, state State) error {
	res, err := q.db.Exec(`UPDATE outbound SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(res, id)
}

func (q *Queue) delete(id string) error {
	res, err := q.db.Exec(`DELETE FROM outbound WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewInternal(sql.ErrNoRows)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var enqueued, next int64
		if err := rows.Scan(&m.ID, &m.Topic, &m.Kind, &m.Payload, &m.State, &m.Retries, &enqueued, &next); err != nil {
			return nil, errors.NewInternal(err)
		}
		m.EnqueuedAt = time.UnixMilli(enqueued).UTC()
		m.NextAttemptAt = time.UnixMilli(next).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return msgs, nil
}

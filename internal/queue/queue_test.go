package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

var t0 = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

// msg builds a test message enqueued i seconds after t0.
func msg(i int) *Message {
	at := t0.Add(time.Duration(i) * time.Second)
	return &Message{
		ID:            ulid.MustNew(ulid.Timestamp(at), nil).String(),
		Topic:         "sentinel/image",
		Kind:          "image",
		Payload:       []byte(fmt.Sprintf("payload-%d", i)),
		EnqueuedAt:    at,
		NextAttemptAt: at,
	}
}

func openTestQueue(t *testing.T, capacity int) (*Queue, string) {
	t.Helper()
	dir := t.TempDir()
	q, err := Open(dir, capacity)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, dir
}

func TestOpen(t *testing.T) {
	_, dir := openTestQueue(t, 8)

	if _, err := os.Stat(filepath.Join(dir, "outbound.db")); os.IsNotExist(err) {
		t.Errorf("queue database not created in %s", dir)
	}
}

func TestOpen_RejectsNonPositiveCapacity(t *testing.T) {
	if _, err := Open(t.TempDir(), 0); err == nil {
		t.Error("Open should reject capacity 0")
	}
}

func TestEnqueue_FIFOOrder(t *testing.T) {
	q, _ := openTestQueue(t, 8)

	for i := 1; i <= 3; i++ {
		if _, err := q.Enqueue(msg(i)); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	items, err := q.Eligible(t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Eligible() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("eligible = %d, want 3", len(items))
	}
	for i, m := range items {
		if want := fmt.Sprintf("payload-%d", i+1); string(m.Payload) != want {
			t.Errorf("item %d payload = %q, want %q", i, m.Payload, want)
		}
	}
}

func TestEnqueue_EvictsOldestPending(t *testing.T) {
	q, _ := openTestQueue(t, 3)

	ids := make([]string, 0, 4)
	var evicted []string
	for i := 1; i <= 4; i++ {
		m := msg(i)
		ids = append(ids, m.ID)
		ev, err := q.Enqueue(m)
		if err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
		evicted = append(evicted, ev...)
	}

	if len(evicted) != 1 || evicted[0] != ids[0] {
		t.Errorf("evicted = %v, want exactly the first item %s", evicted, ids[0])
	}

	items, err := q.List(10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("queue holds %d items, want capacity 3", len(items))
	}
	// Items {2,3,4} remain in original order
	for i, m := range items {
		if m.ID != ids[i+1] {
			t.Errorf("item %d = %s, want %s", i, m.ID, ids[i+1])
		}
	}
}

func TestEligible_SkipsBackoffAndInFlight(t *testing.T) {
	q, _ := openTestQueue(t, 8)

	m1, m2, m3 := msg(1), msg(2), msg(3)
	for _, m := range []*Message{m1, m2, m3} {
		if _, err := q.Enqueue(m); err != nil {
			t.Fatal(err)
		}
	}

	// m1 waits out a backoff, m2 is mid-attempt
	if err := q.Fail(m1.ID, 1, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkInFlight(m2.ID); err != nil {
		t.Fatal(err)
	}

	items, err := q.Eligible(t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Eligible() error = %v", err)
	}
	if len(items) != 1 || items[0].ID != m3.ID {
		t.Errorf("eligible = %v, want only %s", items, m3.ID)
	}

	// Once the backoff expires, m1 leads again (FIFO by enqueue time).
	items, err = q.Eligible(t0.Add(2 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != m1.ID {
		t.Errorf("eligible after backoff = %v, want %s first", items, m1.ID)
	}
	if items[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", items[0].Retries)
	}
}

func TestAck_RemovesMessage(t *testing.T) {
	q, _ := openTestQueue(t, 8)
	m := msg(1)
	if _, err := q.Enqueue(m); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(m.ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	n, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Len() = %d, want 0 after ack", n)
	}
}

func TestAbandon_Idempotent(t *testing.T) {
	q, _ := openTestQueue(t, 8)
	m := msg(1)
	if _, err := q.Enqueue(m); err != nil {
		t.Fatal(err)
	}
	if err := q.Abandon(m.ID); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	// Second abandon of the same ID is a no-op, not an error.
	if err := q.Abandon(m.ID); err != nil {
		t.Errorf("repeated Abandon() error = %v, want nil", err)
	}

	items, err := q.Eligible(t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("abandoned message still eligible: %v", items)
	}
}

func TestReopen_PreservesOrderAndState(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, 8)
	if err != nil {
		t.Fatal(err)
	}

	m1, m2 := msg(1), msg(2)
	if _, err := q.Enqueue(m1); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(m2); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(m1.ID, 2, t0.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := Open(dir, 8)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer q2.Close()

	items, err := q2.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("reloaded %d items, want 2", len(items))
	}
	if items[0].ID != m1.ID || items[1].ID != m2.ID {
		t.Error("FIFO order not preserved across reopen")
	}
	if items[0].State != StateFailed || items[0].Retries != 2 {
		t.Errorf("item 1 state = %s retries = %d, want FAILED/2", items[0].State, items[0].Retries)
	}
	if items[1].State != StatePending {
		t.Errorf("item 2 state = %s, want PENDING", items[1].State)
	}
}

func TestReopen_RecoversInFlight(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir, 8)
	if err != nil {
		t.Fatal(err)
	}
	m := msg(1)
	if _, err := q.Enqueue(m); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkInFlight(m.ID); err != nil {
		t.Fatal(err)
	}
	// Simulated power loss mid-flush
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}

	q2, err := Open(dir, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	items, err := q2.List(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].State != StatePending {
		t.Errorf("in-flight row not recovered to PENDING: %v", items)
	}
}

func TestPurge(t *testing.T) {
	q, _ := openTestQueue(t, 8)
	for i := 1; i <= 3; i++ {
		if _, err := q.Enqueue(msg(i)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := q.Purge()
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Purge() = %d, want 3", n)
	}
	remaining, err := q.Len()
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 0 {
		t.Errorf("Len() = %d after purge, want 0", remaining)
	}
}

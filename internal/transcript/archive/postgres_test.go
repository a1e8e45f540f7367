package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/types"
)

// ---------------------------------------------------------------------------
// Mock DB types
// ---------------------------------------------------------------------------

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

// ---------------------------------------------------------------------------
// Store tests
// ---------------------------------------------------------------------------

func TestStore_Migrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	s := NewStore(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS transcript_events") {
		t.Errorf("Migrate did not execute the schema: %q", gotSQL)
	}

	boom := errors.New("permission denied")
	s = NewStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, boom
	}})
	if err := s.Migrate(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Migrate err = %v, want wrapped %v", err, boom)
	}
}

func TestStore_Write(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	s := NewStore(&mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		if !strings.Contains(sql, "INSERT INTO transcript_events") {
			t.Errorf("unexpected SQL: %s", sql)
		}
		gotArgs = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}})

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	err := s.Write(context.Background(), transcript.Event{
		CallID:    "C2",
		Speaker:   types.SpeakerCustomer,
		Text:      "hello",
		Timestamp: ts,
		AudioType: types.ChannelSpeaker,
		ItemID:    "item_9",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	want := []any{"C2", "speaker", "customer", "hello", "item_9", ts}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, gotArgs[i], want[i])
		}
	}
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	rows := &mockRows{data: [][]any{
		{"C1", "mic", "agent", "good morning", "item_1", ts},
		{"C1", "speaker", "customer", "hi", "item_2", ts.Add(time.Second)},
	}}
	var gotLimit any
	s := NewStore(&mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotLimit = args[1]
		return rows, nil
	}})

	evts, err := s.List(context.Background(), "C1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if gotLimit != defaultListLimit {
		t.Errorf("limit = %v, want default %d", gotLimit, defaultListLimit)
	}
	if len(evts) != 2 {
		t.Fatalf("got %d events, want 2", len(evts))
	}
	if evts[0].AudioType != types.ChannelMic || evts[0].Speaker != types.SpeakerAgent || evts[0].Text != "good morning" {
		t.Errorf("first event = %+v", evts[0])
	}
	if evts[1].IsPartial {
		t.Error("archived events are always final")
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestStore_ListRowsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection lost")
	s := NewStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: boom}, nil
	}})
	if _, err := s.List(context.Background(), "C1", 10); !errors.Is(err, boom) {
		t.Errorf("List err = %v, want %v", err, boom)
	}
}

// ---------------------------------------------------------------------------
// Integration
// ---------------------------------------------------------------------------

func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("CALLSCRIBE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLSCRIBE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)

	callID := fmt.Sprintf("it-%d", time.Now().UnixNano())
	ts := time.Now().UTC().Truncate(time.Microsecond)
	for i, text := range []string{"one", "two"} {
		err := s.Write(ctx, transcript.Event{
			CallID:    callID,
			Speaker:   types.SpeakerAgent,
			Text:      text,
			Timestamp: ts.Add(time.Duration(i) * time.Millisecond),
			AudioType: types.ChannelMic,
		})
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	evts, err := s.List(ctx, callID, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(evts) != 2 || evts[0].Text != "one" || evts[1].Text != "two" {
		t.Errorf("List = %+v", evts)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

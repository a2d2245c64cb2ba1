package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agentflow/internal/domain"
)

func TestAppendPreservesOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sid, err := s.CreateSession(ctx, "u1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.AppendMessage(ctx, sid, domain.RoleInput, "twitter", json.RawMessage(`{"text":"hi"}`)); err != nil {
		t.Fatalf("append input: %v", err)
	}
	if err := s.AppendMessage(ctx, sid, domain.RoleOutput, "reply", json.RawMessage(`{"text":"hello"}`)); err != nil {
		t.Fatalf("append output: %v", err)
	}

	msgs, err := s.GetMessages(ctx, sid)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleInput || msgs[0].Name != "twitter" {
		t.Fatalf("first message out of order: %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleOutput || msgs[1].Name != "reply" {
		t.Fatalf("second message out of order: %+v", msgs[1])
	}
	if msgs[0].Timestamp.IsZero() || msgs[1].Timestamp.IsZero() {
		t.Fatal("timestamps must be store-assigned")
	}
}

func TestConcurrentAppendsLoseNothing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sid, err := s.CreateSession(ctx, "u1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const producers = 4
	const perProducer = 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				name := fmt.Sprintf("producer-%d-%d", p, i)
				if err := s.AppendMessage(ctx, sid, domain.RoleAction, name, nil); err != nil {
					t.Errorf("append %s: %v", name, err)
				}
			}
		}(p)
	}
	wg.Wait()

	msgs, err := s.GetMessages(ctx, sid)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != producers*perProducer {
		t.Fatalf("expected %d messages, got %d", producers*perProducer, len(msgs))
	}
	seen := make(map[string]bool, len(msgs))
	for i, m := range msgs {
		if seen[m.Name] {
			t.Fatalf("duplicate message %s", m.Name)
		}
		seen[m.Name] = true
		if i > 0 && msgs[i-1].Seq >= m.Seq {
			t.Fatalf("commit order violated at index %d: seq %d then %d", i, msgs[i-1].Seq, m.Seq)
		}
	}
}

func TestGetMessagesUnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	msgs, err := s.GetMessages(context.Background(), "ses_missing")
	if err != nil {
		t.Fatalf("unknown session must not be an error, got %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty log, got %d messages", len(msgs))
	}
}

func TestAppendToUnknownSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.AppendMessage(context.Background(), "ses_missing", domain.RoleInput, "x", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sid, err := s.CreateSession(ctx, "u1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	var verr *ValidationError
	if err := s.AppendMessage(ctx, sid, "telemetry", "x", nil); !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAppendBumpsSessionUpdatedAt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sid, err := s.CreateSession(ctx, "u1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	before, err := s.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.AppendMessage(ctx, sid, domain.RoleInput, "x", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	after, err := s.GetSession(ctx, sid)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Fatalf("updated_at not refreshed: %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.CreateSession(ctx, "u1")
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := s.CreateSession(ctx, "u2"); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sessions, err := s.ListSessionsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions for u1, got %d", len(sessions))
	}
	for i, sess := range sessions {
		want := ids[len(ids)-1-i]
		if sess.ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, sess.ID)
		}
	}
}

func TestGetSessionNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "ses_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

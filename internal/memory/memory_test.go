package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSessionStore_AppendAndRecent(t *testing.T) {
	s := NewSessionStore()
	defer s.Close()

	s.Append("s1", RoleUser, "hello")
	s.Append("s1", RoleAssistant, "hi there")

	msgs := s.Recent("s1", 0)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
}

func TestSessionStore_TrimsToMaxMessages(t *testing.T) {
	s := NewSessionStore(WithMaxMessages(4))
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Append("s1", RoleUser, fmt.Sprintf("message %d", i))
	}

	msgs := s.Recent("s1", 0)
	if len(msgs) != 4 {
		t.Fatalf("expected trim to 4 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "message 6" {
		t.Errorf("expected oldest surviving message 6, got %q", msgs[0].Content)
	}
}

func TestSessionStore_RecentWindow(t *testing.T) {
	s := NewSessionStore()
	defer s.Close()

	for i := 0; i < 6; i++ {
		s.Append("s1", RoleUser, fmt.Sprintf("m%d", i))
	}

	msgs := s.Recent("s1", 2)
	if len(msgs) != 2 || msgs[0].Content != "m4" || msgs[1].Content != "m5" {
		t.Errorf("expected last two messages, got %v", msgs)
	}
}

func TestSessionStore_SessionsIsolated(t *testing.T) {
	s := NewSessionStore()
	defer s.Close()

	s.Append("a", RoleUser, "for a")
	s.Append("b", RoleUser, "for b")

	if msgs := s.Recent("a", 0); len(msgs) != 1 || msgs[0].Content != "for a" {
		t.Errorf("session a polluted: %v", msgs)
	}
	if msgs := s.Recent("missing", 0); msgs != nil {
		t.Errorf("expected nil for unknown session, got %v", msgs)
	}
}

func TestSessionStore_Clear(t *testing.T) {
	s := NewSessionStore()
	defer s.Close()

	s.Append("s1", RoleUser, "hello")
	s.Clear("s1")
	if msgs := s.Recent("s1", 0); msgs != nil {
		t.Errorf("expected cleared session, got %v", msgs)
	}
}

func TestSessionStore_SweepExpires(t *testing.T) {
	s := NewSessionStore(WithSessionTTL(10 * time.Millisecond))
	defer s.Close()

	s.Append("s1", RoleUser, "hello")
	time.Sleep(20 * time.Millisecond)
	s.sweep()

	if msgs := s.Recent("s1", 0); msgs != nil {
		t.Errorf("expected expired session swept, got %v", msgs)
	}
}

func TestFormatForPrompt(t *testing.T) {
	out := FormatForPrompt([]Message{
		{Role: RoleUser, Content: "what is RRF?"},
		{Role: RoleAssistant, Content: "rank fusion."},
		{Role: "system", Content: "ignored"},
	})

	if !strings.Contains(out, "User: what is RRF?") {
		t.Errorf("missing user line: %q", out)
	}
	if !strings.Contains(out, "Assistant: rank fusion.") {
		t.Errorf("missing assistant line: %q", out)
	}
	if strings.Contains(out, "ignored") {
		t.Errorf("unknown role leaked into prompt: %q", out)
	}
	if FormatForPrompt(nil) != "" {
		t.Error("expected empty output for no messages")
	}
}

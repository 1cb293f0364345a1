// Package memory provides conversation context for multi-turn queries:
// an in-process session store for recent messages, plus persistent user
// facts and conversation summaries backed by the relational store.
package memory

import (
	"strings"
	"sync"
	"time"
)

const (
	// RoleUser and RoleAssistant label conversation turns.
	RoleUser      = "user"
	RoleAssistant = "assistant"

	defaultMaxMessages = 20
	defaultSessionTTL  = time.Hour
	sweepInterval      = 5 * time.Minute
)

// Message is a single turn in a conversation.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

type conversation struct {
	messages  []Message
	updatedAt time.Time
}

// SessionStore keeps recent conversation turns in process memory. Sessions
// expire after a period of inactivity; long-term context lives in the
// persistent facts and summaries, not here.
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*conversation
	maxMessages int
	ttl         time.Duration
	done        chan struct{}
	closeOnce   sync.Once
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithMaxMessages caps the per-session message count.
func WithMaxMessages(n int) SessionOption {
	return func(s *SessionStore) { s.maxMessages = n }
}

// WithSessionTTL sets the inactivity expiry.
func WithSessionTTL(d time.Duration) SessionOption {
	return func(s *SessionStore) { s.ttl = d }
}

// NewSessionStore creates a session store and starts its expiry sweep.
func NewSessionStore(opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		sessions:    make(map[string]*conversation),
		maxMessages: defaultMaxMessages,
		ttl:         defaultSessionTTL,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

// Append records one turn, trimming the session to the most recent messages.
func (s *SessionStore) Append(sessionID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.sessions[sessionID]
	if !ok {
		conv = &conversation{}
		s.sessions[sessionID] = conv
	}
	conv.messages = append(conv.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	conv.updatedAt = time.Now()

	if len(conv.messages) > s.maxMessages {
		conv.messages = conv.messages[len(conv.messages)-s.maxMessages:]
	}
}

// Recent returns up to n of the most recent messages in the session.
func (s *SessionStore) Recent(sessionID string, n int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	msgs := conv.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Clear removes a session.
func (s *SessionStore) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Close stops the expiry sweep.
func (s *SessionStore) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *SessionStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *SessionStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	for id, conv := range s.sessions {
		if conv.updatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

// FormatForPrompt renders conversation turns for inclusion in a prompt.
func FormatForPrompt(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			sb.WriteString("User: ")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(msg.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

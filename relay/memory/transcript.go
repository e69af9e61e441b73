package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrNilTranscript      = errors.New("transcript is nil")
	ErrInvalidKey         = errors.New("memory or session key is empty")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Transcript is the conversation history of one session, namespaced by the
// caller's memory key.
type Transcript struct {
	MemoryKey  string    `json:"memory_key"`
	SessionKey string    `json:"session_key"`
	Turns      []Turn    `json:"turns,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewTranscript(memoryKey, sessionKey string, now time.Time) *Transcript {
	return &Transcript{
		MemoryKey:  memoryKey,
		SessionKey: sessionKey,
		UpdatedAt:  now.UTC(),
	}
}

// Append adds a turn and keeps at most maxTurns of the newest turns
// (maxTurns <= 0 keeps everything).
func (t *Transcript) Append(role Role, content string, now time.Time, maxTurns int) {
	t.Turns = append(t.Turns, Turn{Role: role, Content: content, At: now.UTC()})
	if maxTurns > 0 && len(t.Turns) > maxTurns {
		t.Turns = append([]Turn(nil), t.Turns[len(t.Turns)-maxTurns:]...)
	}
	t.UpdatedAt = now.UTC()
}

func (t *Transcript) Validate() error {
	if t == nil {
		return ErrNilTranscript
	}
	if strings.TrimSpace(t.MemoryKey) == "" || strings.TrimSpace(t.SessionKey) == "" {
		return ErrInvalidKey
	}
	for i, turn := range t.Turns {
		if turn.Role != RoleUser && turn.Role != RoleAssistant {
			return fmt.Errorf("turn %d: unknown role %q", i, turn.Role)
		}
	}
	return nil
}

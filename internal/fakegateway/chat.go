// ABOUTME: chat.send handling for the fake gateway: run ids, idempotency, and event streaming
// ABOUTME: Replies arrive as cumulative agent text followed by one terminal chat event

package fakegateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

// Terminal chat states.
const (
	StateFinal   = "final"
	StateError   = "error"
	StateAborted = "aborted"
)

// Reply scripts how a run unfolds.
type Reply struct {
	// Chunks are appended in order; each agent event carries the running total.
	Chunks []string

	// State is the terminal chat state. Empty means the run never finishes.
	State string

	// ErrorMessage accompanies StateError.
	ErrorMessage string
}

// Responder decides the reply to a chat.send request.
type Responder func(params protocol.ChatSendParams) Reply

// EchoResponder echoes the message back with a little markdown, word by word.
func EchoResponder(params protocol.ChatSendParams) Reply {
	lower := strings.ToLower(params.Message)
	var text string
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "list") {
		text = "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n"
	} else {
		text = fmt.Sprintf("Echo: **%s**", params.Message)
	}
	return Reply{Chunks: SplitWords(text), State: StateFinal}
}

// StaticResponder always replies with text in a single chunk.
func StaticResponder(text string) Responder {
	return func(protocol.ChatSendParams) Reply {
		if text == "" {
			return Reply{State: StateFinal}
		}
		return Reply{Chunks: []string{text}, State: StateFinal}
	}
}

// SplitWords splits text into chunks that keep their trailing whitespace,
// so joining them restores text exactly.
func SplitWords(text string) []string {
	var chunks []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\n' {
			continue
		}
		if i > start && (text[i-1] == ' ' || text[i-1] == '\n') {
			chunks = append(chunks, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}

type chatAck struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

type agentEvent struct {
	RunID  string         `json:"runId"`
	Stream string         `json:"stream"`
	Data   map[string]any `json:"data"`
	TS     int64          `json:"ts"`
}

type chatEvent struct {
	RunID        string `json:"runId"`
	SessionKey   string `json:"sessionKey"`
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

func (s *Server) handleChatSend(ctx context.Context, c *Conn, raw json.RawMessage) (any, error) {
	var params protocol.ChatSendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &protocol.RemoteError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if params.SessionKey == "" || params.Message == "" {
		return nil, &protocol.RemoteError{Code: CodeInvalidParams, Message: "sessionKey and message are required"}
	}

	s.mu.Lock()
	s.chats = append(s.chats, params)
	if params.IdempotencyKey != "" {
		if runID, ok := s.runsByIK[params.IdempotencyKey]; ok {
			s.mu.Unlock()
			return chatAck{RunID: runID, Status: "in_flight"}, nil
		}
	}
	runID := uuid.NewString()
	if params.IdempotencyKey != "" {
		s.runsByIK[params.IdempotencyKey] = runID
	}
	s.mu.Unlock()

	reply := s.cfg.Responder(params)
	go s.stream(c, runID, params.SessionKey, reply)
	return chatAck{RunID: runID, Status: "started"}, nil
}

// stream emits the run's events after a short pause so the ack goes out first.
func (s *Server) stream(c *Conn, runID, sessionKey string, reply Reply) {
	delay := s.cfg.ChunkDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	pause := func() bool {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(delay):
			return true
		}
	}

	if !pause() {
		return
	}
	_ = c.Emit(protocol.EventAgent, agentEvent{
		RunID:  runID,
		Stream: "lifecycle",
		Data:   map[string]any{"phase": "start"},
		TS:     time.Now().UnixMilli(),
	})

	var text strings.Builder
	for _, chunk := range reply.Chunks {
		if !pause() {
			return
		}
		text.WriteString(chunk)
		if err := c.Emit(protocol.EventAgent, agentEvent{
			RunID:  runID,
			Stream: "assistant",
			Data:   map[string]any{"text": text.String(), "delta": chunk},
			TS:     time.Now().UnixMilli(),
		}); err != nil {
			return
		}
	}

	if reply.State == "" || !pause() {
		return
	}
	_ = c.Emit(protocol.EventChat, chatEvent{
		RunID:        runID,
		SessionKey:   sessionKey,
		State:        reply.State,
		ErrorMessage: reply.ErrorMessage,
	})
}

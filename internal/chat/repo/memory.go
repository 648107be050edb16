package repo

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/chat-relay/server/internal/chat/model"
)

// MemoryTranscriptStore keeps transcripts in process memory. It is empty at
// construction and discarded with the process.
type MemoryTranscriptStore struct {
	mu          sync.RWMutex
	transcripts map[string][]*schema.Message
}

func NewMemoryTranscriptStore() *MemoryTranscriptStore {
	return &MemoryTranscriptStore{transcripts: make(map[string][]*schema.Message)}
}

func (s *MemoryTranscriptStore) GetOrCreate(_ context.Context, conversationID string) ([]*schema.Message, error) {
	s.mu.RLock()
	msgs, ok := s.transcripts[conversationID]
	if ok {
		out := model.CloneMessages(msgs)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	// another caller may have created it between the two critical sections
	if msgs, ok := s.transcripts[conversationID]; ok {
		return model.CloneMessages(msgs), nil
	}
	s.transcripts[conversationID] = []*schema.Message{}
	return []*schema.Message{}, nil
}

func (s *MemoryTranscriptStore) Lookup(_ context.Context, conversationID string) ([]*schema.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.transcripts[conversationID]
	if !ok {
		return nil, false, nil
	}
	return model.CloneMessages(msgs), true, nil
}

func (s *MemoryTranscriptStore) AppendTurn(_ context.Context, conversationID, userText, assistantText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.transcripts[conversationID]
	if !ok {
		return model.ErrTranscriptNotFound
	}
	s.transcripts[conversationID] = append(msgs, model.TurnMessages(userText, assistantText)...)
	return nil
}

func (s *MemoryTranscriptStore) Delete(_ context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transcripts[conversationID]; !ok {
		return false, nil
	}
	delete(s.transcripts, conversationID)
	return true, nil
}

var _ model.TranscriptStore = (*MemoryTranscriptStore)(nil)

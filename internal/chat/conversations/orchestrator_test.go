package conversations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chat-relay/server/internal/chat/model"
	"github.com/chat-relay/server/internal/chat/prompts"
	"github.com/chat-relay/server/internal/chat/repo"
	errx "github.com/chat-relay/server/internal/core/error"
)

// scriptedCompleter records every outbound list and answers with reply(call).
type scriptedCompleter struct {
	mu    sync.Mutex
	calls [][]model.Entry
	reply func(ctx context.Context, n int, msgs []*schema.Message) (*schema.Message, error)
}

func (c *scriptedCompleter) Complete(ctx context.Context, msgs []*schema.Message) (*schema.Message, error) {
	c.mu.Lock()
	c.calls = append(c.calls, model.Entries(msgs))
	n := len(c.calls)
	c.mu.Unlock()
	return c.reply(ctx, n, msgs)
}

func (c *scriptedCompleter) Calls() [][]model.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]model.Entry(nil), c.calls...)
}

func echoCompleter() *scriptedCompleter {
	return &scriptedCompleter{reply: func(_ context.Context, n int, msgs []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage(fmt.Sprintf("reply %d to %s", n, msgs[len(msgs)-1].Content), nil), nil
	}}
}

func failingCompleter(err error) *scriptedCompleter {
	return &scriptedCompleter{reply: func(context.Context, int, []*schema.Message) (*schema.Message, error) {
		return nil, err
	}}
}

// countingStore wraps a store and counts calls, to prove validation never touches it.
type countingStore struct {
	model.TranscriptStore
	calls atomic.Int32
}

func (s *countingStore) GetOrCreate(ctx context.Context, id string) ([]*schema.Message, error) {
	s.calls.Add(1)
	return s.TranscriptStore.GetOrCreate(ctx, id)
}

func (s *countingStore) AppendTurn(ctx context.Context, id, u, a string) error {
	s.calls.Add(1)
	return s.TranscriptStore.AppendTurn(ctx, id, u, a)
}

func transcript(t *testing.T, s model.TranscriptStore, id string) []model.Entry {
	t.Helper()
	msgs, _, err := s.Lookup(context.Background(), id)
	require.NoError(t, err)
	return model.Entries(msgs)
}

func TestHandle_FirstMessageUsesDefaultConversation(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	o := NewOrchestrator(store, echoCompleter(), Config{})

	res, err := o.Handle(context.Background(), "Hi", "")
	require.NoError(t, err)

	assert.Equal(t, "default", res.ConversationID)
	assert.Equal(t, "reply 1 to Hi", res.Reply)
	assert.NotEmpty(t, res.TurnID)
	assert.False(t, res.Fallback)
	assert.Equal(t, []model.Entry{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "reply 1 to Hi"},
	}, transcript(t, store, "default"))
}

func TestHandle_WhitespaceMessageIsRejectedWithoutSideEffects(t *testing.T) {
	store := &countingStore{TranscriptStore: repo.NewMemoryTranscriptStore()}
	completer := echoCompleter()
	o := NewOrchestrator(store, completer, Config{})

	for _, msg := range []string{"", "  ", "\n\t"} {
		_, err := o.Handle(context.Background(), msg, "c1")
		require.Error(t, err)
		assert.Equal(t, errx.KindValidation, errx.KindOf(err))
		assert.Equal(t, 400, errx.StatusOf(err))
	}

	assert.Zero(t, store.calls.Load())
	assert.Empty(t, completer.Calls())
	_, ok, err := store.Lookup(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandle_SecondCallCarriesHistory(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	completer := echoCompleter()
	o := NewOrchestrator(store, completer, Config{})

	_, err := o.Handle(context.Background(), "one", "c1")
	require.NoError(t, err)
	_, err = o.Handle(context.Background(), "two", "c1")
	require.NoError(t, err)

	calls := completer.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []model.Entry{{Role: "user", Content: "one"}}, calls[0])
	assert.Equal(t, []model.Entry{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "reply 1 to one"},
		{Role: "user", Content: "two"},
	}, calls[1])
	assert.Len(t, transcript(t, store, "c1"), 4)
}

func TestHandle_UpstreamFailureLeavesTranscriptUnchanged(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	ok := NewOrchestrator(store, echoCompleter(), Config{})
	_, err := ok.Handle(context.Background(), "first", "c1")
	require.NoError(t, err)
	before := transcript(t, store, "c1")

	o := NewOrchestrator(store, failingCompleter(errors.New("dial tcp: connection refused")), Config{})
	_, err = o.Handle(context.Background(), "second", "c1")
	require.Error(t, err)

	assert.Equal(t, errx.KindUpstream, errx.KindOf(err))
	assert.Equal(t, 500, errx.StatusOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, before, transcript(t, store, "c1"))
}

func TestHandle_MissingCredentialIsConfigurationError(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	o := NewOrchestrator(store, failingCompleter(errx.ErrMissingCredential), Config{})

	_, err := o.Handle(context.Background(), "Hi", "c1")
	require.Error(t, err)
	assert.Equal(t, errx.KindConfiguration, errx.KindOf(err))
	assert.Empty(t, transcript(t, store, "c1"))
}

func TestHandle_EmptyReplyCommitsFallback(t *testing.T) {
	for name, out := range map[string]*schema.Message{
		"empty":      schema.AssistantMessage("", nil),
		"whitespace": schema.AssistantMessage("  \n", nil),
		"nil":        nil,
	} {
		t.Run(name, func(t *testing.T) {
			store := repo.NewMemoryTranscriptStore()
			completer := &scriptedCompleter{reply: func(context.Context, int, []*schema.Message) (*schema.Message, error) {
				return out, nil
			}}
			o := NewOrchestrator(store, completer, Config{})

			res, err := o.Handle(context.Background(), "Hi", "c1")
			require.NoError(t, err)
			assert.True(t, res.Fallback)
			assert.Equal(t, DefaultFallbackReply, res.Reply)
			assert.Equal(t, []model.Entry{
				{Role: "user", Content: "Hi"},
				{Role: "assistant", Content: DefaultFallbackReply},
			}, transcript(t, store, "c1"))
		})
	}
}

func TestHandle_CustomFallback(t *testing.T) {
	completer := &scriptedCompleter{reply: func(context.Context, int, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage("", nil), nil
	}}
	o := NewOrchestrator(repo.NewMemoryTranscriptStore(), completer, Config{FallbackReply: "(silence)"})

	res, err := o.Handle(context.Background(), "Hi", "")
	require.NoError(t, err)
	assert.Equal(t, "(silence)", res.Reply)
}

func TestHandle_HistoryPolicyWindowsOutboundOnly(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	completer := echoCompleter()
	o := NewOrchestrator(store, completer, Config{Policy: LastTurns(1)})

	for _, msg := range []string{"a", "b", "c"} {
		_, err := o.Handle(context.Background(), msg, "c1")
		require.NoError(t, err)
	}

	calls := completer.Calls()
	assert.Equal(t, []model.Entry{
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "reply 2 to b"},
		{Role: "user", Content: "c"},
	}, calls[2])
	assert.Len(t, transcript(t, store, "c1"), 6)
}

func TestHandle_SystemPromptIsSentButNotStored(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	completer := echoCompleter()
	o := NewOrchestrator(store, completer, Config{
		System: prompts.NewSystemRenderer(model.ChatConfig{SystemPrompt: "You are {{.AssistantName}}.", AssistantName: "Relay"}),
	})

	_, err := o.Handle(context.Background(), "Hi", "c1")
	require.NoError(t, err)

	assert.Equal(t, []model.Entry{
		{Role: "system", Content: "You are Relay."},
		{Role: "user", Content: "Hi"},
	}, completer.Calls()[0])
	assert.Len(t, transcript(t, store, "c1"), 2)
	assert.Equal(t, "user", transcript(t, store, "c1")[0].Role)
}

func TestHandle_SameConversationIsSerialised(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	completer := &scriptedCompleter{reply: func(_ context.Context, n int, msgs []*schema.Message) (*schema.Message, error) {
		time.Sleep(5 * time.Millisecond)
		return schema.AssistantMessage(fmt.Sprintf("r%d", n), nil), nil
	}}
	o := NewOrchestrator(store, completer, Config{})

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.Handle(context.Background(), fmt.Sprintf("m%d", i), "shared")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Each call must have seen every previously committed turn.
	lengths := map[int]bool{}
	for _, call := range completer.Calls() {
		lengths[len(call)] = true
	}
	for k := 0; k < workers; k++ {
		assert.True(t, lengths[2*k+1], "no call saw %d prior turns", k)
	}

	entries := transcript(t, store, "shared")
	require.Len(t, entries, 2*workers)
	for i := 0; i < len(entries); i += 2 {
		assert.Equal(t, "user", entries[i].Role)
		assert.Equal(t, "assistant", entries[i+1].Role)
	}
}

func TestHandle_DifferentConversationsRunInParallel(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	completer := &scriptedCompleter{reply: func(ctx context.Context, n int, msgs []*schema.Message) (*schema.Message, error) {
		arrived.Done()
		select {
		case <-both:
			return schema.AssistantMessage("ok "+msgs[len(msgs)-1].Content, nil), nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("conversations were serialised")
		}
	}}
	o := NewOrchestrator(store, completer, Config{})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := o.Handle(context.Background(), "hello "+id, id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, "ok hello a", transcript(t, store, "a")[1].Content)
	assert.Equal(t, "ok hello b", transcript(t, store, "b")[1].Content)
}

func TestHandle_CancelledBeforeReplyDoesNotCommit(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	completer := &scriptedCompleter{reply: func(ctx context.Context, _ int, _ []*schema.Message) (*schema.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o := NewOrchestrator(store, completer, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Handle(ctx, "Hi", "c1")
	require.Error(t, err)
	assert.Equal(t, errx.KindUpstream, errx.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, transcript(t, store, "c1"))
	assert.Zero(t, o.locks.size())
}

func TestHandle_GivesUpWaitingForBusyConversation(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	release := make(chan struct{})
	started := make(chan struct{})
	completer := &scriptedCompleter{reply: func(_ context.Context, n int, _ []*schema.Message) (*schema.Message, error) {
		if n == 1 {
			close(started)
			<-release
		}
		return schema.AssistantMessage("done", nil), nil
	}}
	o := NewOrchestrator(store, completer, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := o.Handle(context.Background(), "slow", "c1")
		done <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Handle(ctx, "impatient", "c1")
	require.Error(t, err)
	assert.Equal(t, errx.KindInternal, errx.KindOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, transcript(t, store, "c1"), 2)
	assert.Len(t, completer.Calls(), 1)
}

func TestClear(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	o := NewOrchestrator(store, echoCompleter(), Config{})
	_, err := o.Handle(context.Background(), "Hi", "c1")
	require.NoError(t, err)

	removed, err := o.Clear(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = o.Clear(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTranscriptDoesNotMaterialise(t *testing.T) {
	store := repo.NewMemoryTranscriptStore()
	o := NewOrchestrator(store, echoCompleter(), Config{})

	_, ok, err := o.Transcript(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := store.Delete(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHandle_StoreFailureIsInternal(t *testing.T) {
	o := NewOrchestrator(brokenStore{}, echoCompleter(), Config{})
	_, err := o.Handle(context.Background(), "Hi", "c1")
	require.Error(t, err)
	assert.Equal(t, errx.KindInternal, errx.KindOf(err))
	assert.Equal(t, 500, errx.StatusOf(err))
}

type brokenStore struct{ model.TranscriptStore }

func (brokenStore) GetOrCreate(context.Context, string) ([]*schema.Message, error) {
	return nil, errx.WrapRedis(errors.New("connection reset"))
}

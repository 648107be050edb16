package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"github.com/chat-relay/server/internal/chat/model"
	errx "github.com/chat-relay/server/internal/core/error"
	logx "github.com/chat-relay/server/pkg/logger"
)

// RedisTranscriptStore keeps each transcript as a Redis list of JSON messages,
// plus a marker key recording that the conversation was materialised.
type RedisTranscriptStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisTranscriptStore(rdb redis.Cmdable, ttl time.Duration) *RedisTranscriptStore {
	return &RedisTranscriptStore{rdb: rdb, ttl: ttl}
}

func (r *RedisTranscriptStore) messagesKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

func (r *RedisTranscriptStore) markerKey(conversationID string) string {
	return fmt.Sprintf("conversation:%s:created", conversationID)
}

func (r *RedisTranscriptStore) GetOrCreate(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	marker := r.markerKey(conversationID)
	if err := r.rdb.SetNX(ctx, marker, time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", marker).Msg("failed to materialise conversation")
		return nil, errx.WrapRedis(err)
	}
	return r.load(ctx, conversationID)
}

func (r *RedisTranscriptStore) Lookup(ctx context.Context, conversationID string) ([]*schema.Message, bool, error) {
	n, err := r.rdb.Exists(ctx, r.markerKey(conversationID)).Result()
	if err != nil {
		logx.Error().Err(err).Str("conversationID", conversationID).Msg("failed to check conversation marker")
		return nil, false, errx.WrapRedis(err)
	}
	if n == 0 {
		return nil, false, nil
	}
	msgs, err := r.load(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	return msgs, true, nil
}

func (r *RedisTranscriptStore) load(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	key := r.messagesKey(conversationID)

	rows, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*schema.Message{}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load conversation history from redis")
		return nil, errx.WrapRedis(err)
	}

	msgs := make([]*schema.Message, 0, len(rows))
	for i, s := range rows {
		var m schema.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			logx.Error().Err(err).Str("conversationID", conversationID).Int("index", i).Msg("failed to unmarshal message")
			return nil, fmt.Errorf("unmarshal message at index %d: %w", i, err)
		}
		msgs = append(msgs, &schema.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

// AppendTurn pushes both messages with a single RPUSH inside MULTI/EXEC, so a
// reader never sees the user message without its reply.
func (r *RedisTranscriptStore) AppendTurn(ctx context.Context, conversationID, userText, assistantText string) error {
	marker := r.markerKey(conversationID)
	n, err := r.rdb.Exists(ctx, marker).Result()
	if err != nil {
		logx.Error().Err(err).Str("key", marker).Msg("failed to check conversation marker")
		return errx.WrapRedis(err)
	}
	if n == 0 {
		return model.ErrTranscriptNotFound
	}

	rows := make([]any, 0, 2)
	for _, m := range model.TurnMessages(userText, assistantText) {
		b, err := json.Marshal(m)
		if err != nil {
			logx.Error().Err(err).Str("conversationID", conversationID).Msg("failed to marshal message")
			return fmt.Errorf("marshal message: %w", err)
		}
		rows = append(rows, b)
	}

	key := r.messagesKey(conversationID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, rows...)
		// extend TTL on touch
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
			pipe.Expire(ctx, marker, r.ttl)
		}
		return nil
	})
	if err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to push turn to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisTranscriptStore) Delete(ctx context.Context, conversationID string) (bool, error) {
	n, err := r.rdb.Del(ctx, r.messagesKey(conversationID), r.markerKey(conversationID)).Result()
	if err != nil {
		logx.Error().Err(err).Str("conversationID", conversationID).Msg("failed to delete conversation history from redis")
		return false, errx.WrapRedis(err)
	}
	return n > 0, nil
}

var _ model.TranscriptStore = (*RedisTranscriptStore)(nil)

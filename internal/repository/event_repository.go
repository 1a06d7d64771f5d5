package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// 入站事件去重窗口。协作方的投递语义是 at-least-once，
// 超出窗口的重复事件会被 messages 表的 event_id 唯一索引兜底。
const eventDedupTTL = 24 * time.Hour

// EventRepository 定义了入站事件去重的操作接口。
type EventRepository interface {
	// MarkProcessed 标记事件已被处理。首次标记返回 true，
	// 重复投递返回 false，调用方应直接丢弃该事件。
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	// Release 撤销事件的已处理标记。本轮处理失败时调用，
	// 让协作方 at-least-once 的重投递能够重做这一轮。
	Release(ctx context.Context, eventID string) error
}

type redisEventRepository struct {
	redisClient *redis.Client
}

// NewEventRepository 创建一个新的 EventRepository 实例。
func NewEventRepository(redisClient *redis.Client) EventRepository {
	return &redisEventRepository{redisClient: redisClient}
}

func eventKey(eventID string) string {
	return fmt.Sprintf("event:processed:%s", eventID)
}

// MarkProcessed 使用 SETNX 原子标记事件。
func (r *redisEventRepository) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.redisClient.SetNX(ctx, eventKey(eventID), 1, eventDedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return ok, nil
}

// Release 删除事件的去重标记。
func (r *redisEventRepository) Release(ctx context.Context, eventID string) error {
	if err := r.redisClient.Del(ctx, eventKey(eventID)).Err(); err != nil {
		return fmt.Errorf("failed to release event mark: %w", err)
	}
	return nil
}

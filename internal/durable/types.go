package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// MutationStatus 描述离线变更记录的生命周期，只允许 queued → synced / queued → failed。
type MutationStatus string

const (
	StatusQueued MutationStatus = "queued"
	StatusSynced MutationStatus = "synced"
	StatusFailed MutationStatus = "failed"
)

// Valid 报告状态值是否可识别。
func (s MutationStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// TypeEmergency 是应急数据快照唯一使用的分类标签。
const TypeEmergency = "emergency"

// QueuedMutation 是一次未能送达网络的提交请求的持久化记录。
type QueuedMutation struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
	Timestamp  time.Time         `json:"timestamp"`
	Status     MutationStatus    `json:"status"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// CachedData 是应急接口最近一次成功响应的快照。
type CachedData struct {
	URL       string          `json:"url"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
}

// FreshAt 报告快照在 now 时刻是否仍在新鲜窗口内；过期只是读取侧判定，不触发删除。
func (c CachedData) FreshAt(now time.Time, window time.Duration) bool {
	return now.Sub(c.Timestamp) < window
}

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("durable record not found")
	// ErrSchemaMissing 表示存储尚未初始化（安装阶段未执行 Init）。
	ErrSchemaMissing = errors.New("durable schema missing")
	// ErrDuplicateID 表示变更 ID 已被占用；ID 生成不做冲突重试，这里只负责拒绝覆盖。
	ErrDuplicateID = errors.New("mutation id already exists")
	// ErrInvalidTransition 表示状态迁移违反单向规则。
	ErrInvalidTransition = errors.New("invalid mutation status transition")
)

// Store 是持久化存储的统一契约，sqlite 与 leveldb 两种后端都必须满足。
type Store interface {
	// Init 在 schema 缺失时创建两个集合及其索引，可重复调用。
	Init(ctx context.Context) error

	// AddMutation 追加一条新记录；ID 已存在时返回 ErrDuplicateID。
	AddMutation(ctx context.Context, m QueuedMutation) error
	// Mutation 按 ID 读取记录。
	Mutation(ctx context.Context, id string) (QueuedMutation, error)
	// MutationsByStatus 按入队时间升序返回指定状态的记录，status 为空时返回全部。
	MutationsByStatus(ctx context.Context, status MutationStatus) ([]QueuedMutation, error)
	// ResolveMutation 把 queued 记录原地更新为终态，记录不会被删除。
	ResolveMutation(ctx context.Context, id string, status MutationStatus, resolvedAt time.Time, errMsg string) error

	// PutCachedData 以 URL 为键覆盖写入快照。
	PutCachedData(ctx context.Context, data CachedData) error
	// CachedData 读取指定 URL 的快照，不做新鲜度判断。
	CachedData(ctx context.Context, url string) (CachedData, error)

	Close() error
}

func checkResolution(status MutationStatus) error {
	if status != StatusSynced && status != StatusFailed {
		return ErrInvalidTransition
	}
	return nil
}

func marshalHeaders(headers map[string]string) (string, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	raw, err := json.Marshal(headers)
	return string(raw), err
}

func normalizeBody(body json.RawMessage) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	return body
}

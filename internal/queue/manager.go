// Package queue 管理离线提交队列：入队、回放（reconcile）以及后台同步调度。
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
)

// SyncTag 是入队时登记的后台同步标签。
const SyncTag = "offline-sync"

// MessageSyncComplete 是一轮回放结束后广播的消息类型。
const MessageSyncComplete = "OFFLINE_SYNC_COMPLETE"

// ErrInvalidBody 表示提交的请求体不是合法 JSON，无法入队。
var ErrInvalidBody = errors.New("mutation body is not valid JSON")

// Broadcaster 向所有在线客户端推送消息。
type Broadcaster interface {
	Broadcast(eventType string, payload interface{}) int
}

// Submission 是一次未送达的提交请求。
type Submission struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
}

// Summary 是一轮回放的统计，同时也是广播给客户端的消息体。
type Summary struct {
	Type        string `json:"type"`
	SyncedCount int    `json:"syncedCount"`
	FailedCount int    `json:"failedCount"`
}

// Options 汇总 Manager 的依赖。
type Options struct {
	Store       durable.Store
	Client      *http.Client
	Logger      *logrus.Logger
	Broadcaster Broadcaster
	// Timeout 约束单条记录的回放时长，0 表示只依赖 Client 自身的超时。
	Timeout time.Duration
	Now     func() time.Time
}

// Manager 负责把失败的提交写入持久化队列，并在网络恢复后逐条回放。
type Manager struct {
	store       durable.Store
	client      *http.Client
	logger      *logrus.Entry
	broadcaster Broadcaster
	timeout     time.Duration
	now         func() time.Time

	group singleflight.Group

	tagMu sync.Mutex
	tags  map[string]struct{}
}

// NewManager 构造 Manager，Store 与 Client 不能为空。
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("durable store is required")
	}
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		store:       opts.Store,
		client:      opts.Client,
		logger:      logging.Component(logger, "queue"),
		broadcaster: opts.Broadcaster,
		timeout:     opts.Timeout,
		now:         now,
		tags:        make(map[string]struct{}),
	}, nil
}

// NewID 生成 offline_<unix毫秒>_<9 位随机串>。不做冲突检测，重复 ID 会被存储层拒绝。
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("offline_%d_%s", now.UnixMilli(), suffix)
}

// Enqueue 解析请求体、分配 ID 并以 queued 状态持久化，随后登记同步标签。
func (m *Manager) Enqueue(ctx context.Context, sub Submission) (durable.QueuedMutation, error) {
	body := bytes.TrimSpace(sub.Body)
	if len(body) == 0 || !json.Valid(body) {
		return durable.QueuedMutation{}, ErrInvalidBody
	}

	now := m.now().UTC()
	record := durable.QueuedMutation{
		ID:        NewID(now),
		URL:       sub.URL,
		Method:    strings.ToUpper(sub.Method),
		Headers:   flattenHeaders(sub.Header),
		Body:      json.RawMessage(body),
		Timestamp: now,
		Status:    durable.StatusQueued,
	}
	if err := m.store.AddMutation(ctx, record); err != nil {
		return durable.QueuedMutation{}, fmt.Errorf("persist mutation: %w", err)
	}
	m.RegisterSync(SyncTag)

	m.logger.WithFields(logging.QueueFields("enqueue", record.ID, record.Method, record.URL)).
		Info("mutation_queued")
	return record, nil
}

// Reconcile 回放全部 queued 记录。并发触发会合并为同一轮，避免同一记录被回放两次。
// 合并后的这一轮不跟随任何调用方的取消，只受单条记录的 Timeout 约束。
func (m *Manager) Reconcile(ctx context.Context) (Summary, error) {
	detached := context.WithoutCancel(ctx)
	result, err, shared := m.group.Do("reconcile", func() (interface{}, error) {
		return m.reconcile(detached)
	})
	if shared {
		m.logger.WithField("action", "reconcile").Debug("reconcile_joined")
	}
	if err != nil {
		return Summary{Type: MessageSyncComplete}, err
	}
	return result.(Summary), nil
}

func (m *Manager) reconcile(ctx context.Context) (Summary, error) {
	summary := Summary{Type: MessageSyncComplete}
	pending, err := m.store.MutationsByStatus(ctx, durable.StatusQueued)
	if err != nil {
		return summary, fmt.Errorf("list queued mutations: %w", err)
	}

	for _, record := range pending {
		status := durable.StatusSynced
		errMsg := ""
		if replayErr := m.replay(ctx, record); replayErr != nil {
			status = durable.StatusFailed
			errMsg = replayErr.Error()
		}

		fields := logging.QueueFields("reconcile", record.ID, record.Method, record.URL)
		fields["status"] = string(status)
		if err := m.store.ResolveMutation(ctx, record.ID, status, m.now().UTC(), errMsg); err != nil {
			m.logger.WithFields(fields).WithError(err).Error("mutation_resolve_failed")
			continue
		}
		if status == durable.StatusSynced {
			summary.SyncedCount++
			m.logger.WithFields(fields).Info("mutation_synced")
		} else {
			summary.FailedCount++
			fields["error"] = errMsg
			m.logger.WithFields(fields).Warn("mutation_failed")
		}
	}

	if m.broadcaster != nil {
		m.broadcaster.Broadcast(MessageSyncComplete, summary)
	}
	m.logger.WithFields(logrus.Fields{
		"action": "reconcile",
		"synced": summary.SyncedCount,
		"failed": summary.FailedCount,
	}).Info("reconcile_complete")
	return summary, nil
}

func (m *Manager) replay(ctx context.Context, record durable.QueuedMutation) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(record.Body) > 0 {
		body = bytes.NewReader(record.Body)
	}
	req, err := http.NewRequestWithContext(ctx, record.Method, record.URL, body)
	if err != nil {
		return err
	}
	for key, value := range record.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// List 返回指定状态的记录，status 为空时返回全部。
func (m *Manager) List(ctx context.Context, status durable.MutationStatus) ([]durable.QueuedMutation, error) {
	return m.store.MutationsByStatus(ctx, status)
}

// Counts 返回各状态的记录数量。
func (m *Manager) Counts(ctx context.Context) (map[durable.MutationStatus]int, error) {
	all, err := m.store.MutationsByStatus(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := map[durable.MutationStatus]int{
		durable.StatusQueued: 0,
		durable.StatusSynced: 0,
		durable.StatusFailed: 0,
	}
	for _, record := range all {
		counts[record.Status]++
	}
	return counts, nil
}

// RegisterSync 登记一个待触发的同步标签，重复登记视为一次。
func (m *Manager) RegisterSync(tag string) {
	m.tagMu.Lock()
	m.tags[tag] = struct{}{}
	m.tagMu.Unlock()
}

// SyncPending 报告标签是否等待触发。
func (m *Manager) SyncPending(tag string) bool {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	_, ok := m.tags[tag]
	return ok
}

func (m *Manager) clearSync(tag string) {
	m.tagMu.Lock()
	delete(m.tags, tag)
	m.tagMu.Unlock()
}

// flattenHeaders 只保留每个头的首个值，键统一小写，跳过逐跳头与长度/Host。
func flattenHeaders(header http.Header) map[string]string {
	result := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) == 0 || server.IsHopByHopHeader(key) {
			continue
		}
		switch http.CanonicalHeaderKey(key) {
		case "Content-Length", "Host", "Accept-Encoding":
			continue
		}
		result[strings.ToLower(key)] = values[0]
	}
	return result
}

package proxy

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/queue"
	"github.com/any-hub/offline-hub/internal/server"
)

const queuedMessage = "Report saved offline. It will be submitted when connection is restored."

// MutationQueue 是离线提交的持久化入口。
type MutationQueue interface {
	Enqueue(ctx context.Context, sub queue.Submission) (durable.QueuedMutation, error)
}

// SubmitMutation 先尝试直接提交；2xx 原样返回，传输失败或非 2xx 时入队并返回 200 受理信封。
func (h *Handler) SubmitMutation(ctx context.Context, route *server.Route, req Request) *Response {
	resp, err := h.fetch(ctx, req.Method, route.Target, req.Header, req.Body)
	if err == nil && isOK(resp.Status) {
		return resp
	}

	fields := logrus.Fields{"action": "mutation", "url": route.CacheKey(), "method": req.Method}
	if err != nil {
		h.logger.WithError(err).WithFields(fields).Warn("mutation_network_failed")
	} else {
		fields["upstream_status"] = resp.Status
		h.logger.WithFields(fields).Warn("mutation_rejected")
	}

	if h.queue == nil {
		return offlineError(h.now(), ServedByOfflineQueue, "Offline queue unavailable")
	}

	record, qErr := h.queue.Enqueue(ctx, queue.Submission{
		URL:    route.CacheKey(),
		Method: req.Method,
		Header: req.Header,
		Body:   req.Body,
	})
	switch {
	case errors.Is(qErr, queue.ErrInvalidBody):
		return jsonResponse(http.StatusBadRequest, SourceSynthesized, ServedByOfflineQueue, OfflineEnvelope{
			Success:   false,
			Error:     "Request body must be JSON to be queued offline",
			Offline:   true,
			Timestamp: h.now().UnixMilli(),
		})
	case qErr != nil:
		h.logger.WithError(qErr).WithFields(fields).Error("mutation_enqueue_failed")
		return offlineError(h.now(), ServedByOfflineQueue, "Failed to save report offline")
	}

	return jsonResponse(http.StatusOK, SourceQueue, ServedByOfflineQueue, QueuedEnvelope{
		Success:   true,
		Offline:   true,
		Message:   queuedMessage,
		ReportID:  record.ID,
		Timestamp: record.Timestamp.UnixMilli(),
	})
}

package telemetry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assigner/assigner/internal/events"
	"github.com/assigner/assigner/internal/events/bus"
	"github.com/assigner/assigner/internal/queue"
	"github.com/assigner/assigner/internal/registry"
	"github.com/assigner/assigner/internal/rules"
)

// Error body codes. The vocabulary is stable; clients and the CLI switch on
// it rather than on messages.
const (
	codeNotFound       = "not_found"
	codeInvalidArg     = "invalid_argument"
	codeConflict       = "conflict"
	codeInvalidConfig  = "invalid_configuration"
	codeStoreFailure   = "store_unavailable"
	codeInternalError  = "internal"
	codeTerminalState  = "terminal_state"
	codeUnknownQuery   = "unknown_query"
	codeMissingParam   = "missing_parameter"
	codeInvalidPayload = "invalid_payload"
)

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// storeError maps store sentinels onto HTTP error bodies.
func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		apiError(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, queue.ErrInvalidPriority):
		apiError(c, http.StatusBadRequest, codeInvalidArg, err.Error())
	case errors.Is(err, queue.ErrTerminalState):
		apiError(c, http.StatusConflict, codeTerminalState, err.Error())
	case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrClaimConflict),
		errors.Is(err, registry.ErrAlreadyBound), errors.Is(err, registry.ErrProtected):
		apiError(c, http.StatusConflict, codeConflict, err.Error())
	default:
		s.logger.Error("Store operation failed", zap.Error(err))
		apiError(c, http.StatusServiceUnavailable, codeStoreFailure, "store operation failed")
	}
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListSessions(c *gin.Context) {
	filter := registry.Filter{
		Status:   registry.SessionStatus(c.Query("status")),
		Provider: registry.Provider(c.Query("provider")),
	}
	if raw := c.Query("bound"); raw != "" {
		bound, err := strconv.ParseBool(raw)
		if err != nil {
			apiError(c, http.StatusBadRequest, codeInvalidArg, "bound must be a boolean")
			return
		}
		filter.Bound = &bound
	}

	sessions, err := s.registry.List(c.Request.Context(), filter)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.registry.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// enqueueBody mirrors queue.EnqueueRequest. The payload is opaque and may be
// empty; validation happens in the store.
type enqueueBody struct {
	Payload        string `json:"payload"`
	Source         string `json:"source"`
	Priority       int    `json:"priority"`
	TaskType       string `json:"task_type"`
	TargetSession  string `json:"target_session"`
	TargetProvider string `json:"target_provider"`
	MaxRetries     int    `json:"max_retries"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var body enqueueBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apiError(c, http.StatusBadRequest, codeInvalidPayload, err.Error())
		return
	}

	item, err := s.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		Payload:        body.Payload,
		Source:         body.Source,
		Priority:       body.Priority,
		TaskType:       body.TaskType,
		TargetSession:  body.TargetSession,
		TargetProvider: body.TargetProvider,
		MaxRetries:     body.MaxRetries,
		TimeoutMinutes: body.TimeoutMinutes,
	})
	if err != nil {
		s.storeError(c, err)
		return
	}

	s.publish(c, events.WorkItemQueued, map[string]any{
		"work_item_id": item.ID,
		"task_type":    item.TaskType,
		"priority":     item.Priority,
	})
	c.JSON(http.StatusCreated, item)
}

func (s *Server) handleListItems(c *gin.Context) {
	limit, offset, ok := s.pagination(c)
	if !ok {
		return
	}
	filter := queue.Filter{
		Status:          queue.Status(c.Query("status")),
		TaskType:        c.Query("task_type"),
		AssignedSession: c.Query("session"),
		IncludeArchived: c.Query("archived") == "true",
		Limit:           limit,
		Offset:          offset,
	}

	items, err := s.queue.List(c.Request.Context(), filter)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}

// pagination parses limit/offset query params, clamping the limit to the
// declared maximum.
func (s *Server) pagination(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			apiError(c, http.StatusBadRequest, codeInvalidArg, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = parsed
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			apiError(c, http.StatusBadRequest, codeInvalidArg, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = parsed
	}
	return limit, offset, true
}

func (s *Server) handleGetItem(c *gin.Context) {
	item, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) handleItemEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.queue.Get(c.Request.Context(), id); err != nil {
		s.storeError(c, err)
		return
	}
	evs, err := s.queue.Events(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	status, err := s.queue.Cancel(c.Request.Context(), id)
	if err != nil {
		s.storeError(c, err)
		return
	}

	s.publish(c, events.WorkItemCancelled, map[string]any{"work_item_id": id})
	// An in_progress item is not interrupted; the cancel is advisory and the
	// response says so.
	c.JSON(http.StatusOK, gin.H{
		"id":       id,
		"status":   status,
		"advisory": status == queue.StatusInProgress,
	})
}

func (s *Server) handleRetry(c *gin.Context) {
	clone, err := s.queue.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}

	s.publish(c, events.WorkItemReassigned, map[string]any{
		"work_item_id": c.Param("id"),
		"retried_as":   clone.ID,
	})
	s.publish(c, events.WorkItemQueued, map[string]any{
		"work_item_id": clone.ID,
		"task_type":    clone.TaskType,
		"priority":     clone.Priority,
	})
	c.JSON(http.StatusCreated, clone)
}

func (s *Server) handleArchive(c *gin.Context) {
	if err := s.queue.Archive(c.Request.Context(), c.Param("id")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "archived": true})
}

func (s *Server) handleConfigReload(c *gin.Context) {
	if err := s.rules.Reload(); err != nil {
		if errors.Is(err, rules.ErrInvalidConfiguration) {
			apiError(c, http.StatusUnprocessableEntity, codeInvalidConfig, err.Error())
			return
		}
		s.logger.Error("Reload failed", zap.Error(err))
		apiError(c, http.StatusInternalServerError, codeInternalError, "reload failed")
		return
	}
	s.cache.purge()
	snap := s.rules.Snapshot()
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "version": snap.Version})
}

func (s *Server) handleShowRules(c *gin.Context) {
	snap := s.rules.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version":             snap.Version,
		"routing_rules":       snap.RoutingRules,
		"sla_targets":         snap.SlaTargets,
		"excluded_sessions":   snap.ExcludedSessions,
		"supported_providers": snap.SupportedProviders,
		"fallback_rules":      snap.FallbackRules,
	})
}

func (s *Server) publish(c *gin.Context, subject string, data map[string]any) {
	if err := s.bus.Publish(c.Request.Context(), subject, bus.NewEvent(subject, "api", data)); err != nil {
		s.logger.Warn("Failed to publish API event", zap.String("subject", subject), zap.Error(err))
	}
}

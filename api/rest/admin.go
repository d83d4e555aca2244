package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/animsession/audit"
	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/game/character"
	"github.com/kasuganosora/animsession/game/session"
	"github.com/kasuganosora/animsession/logsink"
	"github.com/kasuganosora/animsession/scheduler"
	"go.uber.org/zap"
)

const queryTimeout = 5 * time.Second

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by mw.Auth with the admin role.
type AdminHandler struct {
	sm      *session.Manager
	history *audit.Service
	sink    *logsink.Sink // nil when the log sink is disabled
	sched   *scheduler.Scheduler
	cache   cache.Cache
	logger  *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(
	sm *session.Manager,
	history *audit.Service,
	sink *logsink.Sink,
	sched *scheduler.Scheduler,
	c cache.Cache,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{sm: sm, history: history, sink: sink, sched: sched, cache: c, logger: logger}
}

type characterQuery struct {
	UserID   string `form:"userId" binding:"required,uuid"`
	Field    string `form:"field"`
	Value    string `form:"value"`
	IsActive string `form:"isActive" binding:"omitempty,oneof=true false"`
}

// Characters returns an owner's characters, optionally filtered by one field.
// GET /api/admin/character?userId=<uuid>&field=<name>&value=<v>
// isActive=<bool> alone is shorthand for field=isActive.
func (h *AdminHandler) Characters(c *gin.Context) {
	var q characterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	if q.Field == "" && q.IsActive != "" {
		q.Field, q.Value = "isActive", q.IsActive
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	if q.Field == "" {
		var set character.Set
		err := h.sm.Query(ctx, q.UserID, func(a *session.Actor) (err error) {
			set, err = a.Characters(ctx)
			return err
		})
		if err != nil {
			h.internal(c, "Error fetching characters", err)
			return
		}
		out := make([]character.Character, 0, len(set))
		for _, id := range set.IDs() {
			out = append(out, set[id])
		}
		ok(c, http.StatusOK, out, "")
		return
	}

	var chars []character.Character
	err := h.sm.Query(ctx, q.UserID, func(a *session.Actor) (err error) {
		chars, err = a.CharactersBy(ctx, q.Field, q.Value)
		return err
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, session.ErrStopped):
		h.internal(c, "Error fetching characters", err)
	case err != nil:
		fail(c, http.StatusBadRequest, "invalid filter", err.Error())
	default:
		ok(c, http.StatusOK, chars, "")
	}
}

type sessionQuery struct {
	UserID string `form:"userId" binding:"required,uuid"`
}

// Session lists an owner's connections with their transport state.
// GET /api/admin/session?userId=<uuid>
// When no session is running here the presence record in the cache is used,
// which also covers sessions held by another instance sharing Redis.
func (h *AdminHandler) Session(c *gin.Context) {
	var q sessionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	if actor := h.sm.Get(q.UserID); actor != nil {
		conns, err := actor.Connections(ctx)
		if err == nil {
			ok(c, http.StatusOK, conns, "")
			return
		}
		if !errors.Is(err, session.ErrStopped) {
			h.internal(c, "Error fetching sessions", err)
			return
		}
	}

	presence, err := h.cache.HGetAll(ctx, cache.PresenceKey(q.UserID))
	if err != nil {
		h.internal(c, "Error fetching sessions", err)
		return
	}
	out := make([]session.ConnectionInfo, 0, len(presence))
	for _, raw := range presence {
		var meta session.ConnectionData
		if json.Unmarshal([]byte(raw), &meta) != nil {
			continue
		}
		out = append(out, session.ConnectionInfo{ConnectionData: meta, State: session.StateOpen})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt < out[j].ConnectedAt })
	ok(c, http.StatusOK, out, "")
}

type historyQuery struct {
	CharacterID string `form:"characterId" binding:"omitempty,max=64"`
	UserID      string `form:"userId" binding:"omitempty,uuid"`
}

// History returns recorded deltas in append order.
// GET /api/admin/history?characterId=<id>[&userId=<uuid>]
// Omitting characterId returns every character's history.
func (h *AdminHandler) History(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	var (
		entries []audit.Entry
		err     error
	)
	if q.CharacterID != "" {
		entries, err = h.history.ByCharacter(ctx, q.UserID, q.CharacterID)
	} else {
		entries, err = h.history.All(ctx, q.UserID)
	}
	if err != nil {
		h.internal(c, "Error fetching character history", err)
		return
	}
	ok(c, http.StatusOK, entries, "")
}

type logQuery struct {
	Component string `form:"component"`
	ClassName string `form:"className"`
	StartTime string `form:"startTime" binding:"required"`
	EndTime   string `form:"endTime" binding:"required"`
}

// Logs returns one component's log lines between two instants, inclusive.
// GET /api/admin/log?component=<name>&startTime=<RFC3339>&endTime=<RFC3339>
func (h *AdminHandler) Logs(c *gin.Context) {
	if h.sink == nil {
		fail(c, http.StatusServiceUnavailable, "log sink disabled", "")
		return
	}
	var q logQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	component := q.Component
	if component == "" {
		component = q.ClassName
	}
	if component == "" {
		fail(c, http.StatusBadRequest, "invalid query", "component is required")
		return
	}
	start, err := time.Parse(time.RFC3339Nano, q.StartTime)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid query", "startTime must be an RFC 3339 datetime")
		return
	}
	end, err := time.Parse(time.RFC3339Nano, q.EndTime)
	if err != nil {
		fail(c, http.StatusBadRequest, "invalid query", "endTime must be an RFC 3339 datetime")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	entries, err := h.sink.Query(ctx, component, start, end)
	if err != nil {
		h.internal(c, "Error fetching logs", err)
		return
	}
	ok(c, http.StatusOK, entries, "")
}

// Metrics returns server health metrics.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	live, err := h.cache.SMembers(ctx, cache.LiveSessionsKey)
	if err != nil {
		h.logger.Warn("read live sessions failed", zap.Error(err))
	}
	ok(c, http.StatusOK, gin.H{
		"active_sessions":  h.sm.Count(),
		"open_connections": h.sm.ConnectionCount(),
		"session_owners":   h.sm.OwnerIDs(),
		"live_sessions":    len(live),
		"scheduler_tasks":  h.sched.Tasks(),
	}, "")
}

func (h *AdminHandler) internal(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	fail(c, http.StatusInternalServerError, msgInternalError, message+": "+err.Error())
}

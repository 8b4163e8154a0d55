package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/games"
	"github.com/dailygrid/backend/internal/leaderboard"
	"github.com/dailygrid/backend/internal/progress"
	"github.com/dailygrid/backend/internal/streaks"
	"github.com/dailygrid/backend/internal/syncer"
)

var (
	errMissingFactStore     = errors.New("fact store dependency required")
	errMissingStreakService = errors.New("streak service dependency required")
	errMissingCoordinator   = errors.New("sync coordinator dependency required")
	errMissingAggregator    = errors.New("leaderboard aggregator dependency required")
	errMissingProgress      = errors.New("progress service dependency required")
	errMissingDispatcher    = errors.New("refresh dispatcher dependency required")
)

// Dependencies collects the services the HTTP surface exposes.
type Dependencies struct {
	FactStore   *facts.Store
	Streaks     *streaks.Service
	Coordinator *syncer.Coordinator
	Leaderboard *leaderboard.Aggregator
	Progress    *progress.Service
	Dispatcher  *RefreshDispatcher
	UserID      facts.UserID
	GroupID     string
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router over the injected services.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.FactStore == nil {
		return nil, errMissingFactStore
	}
	if deps.Streaks == nil {
		return nil, errMissingStreakService
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Leaderboard == nil {
		return nil, errMissingAggregator
	}
	if deps.Progress == nil {
		return nil, errMissingProgress
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:       deps.FactStore,
		streaks:     deps.Streaks,
		coordinator: deps.Coordinator,
		leaderboard: deps.Leaderboard,
		progress:    deps.Progress,
		dispatcher:  deps.Dispatcher,
		userID:      deps.UserID,
		groupID:     deps.GroupID,
		logger:      logger,
	}

	router.POST("/results", handler.handleRecordResult)
	router.DELETE("/results/:id", handler.handleDeleteResult)
	router.GET("/streaks/:activityId", handler.handleStreakSnapshot)
	router.POST("/refresh", handler.handleForegroundRefresh)
	router.GET("/leaderboard", handler.handleLeaderboard)
	router.GET("/progress", handler.handleProgress)
	router.POST("/sync/flush", handler.handleSyncFlush)
	router.POST("/session/local", handler.handleLocalSession)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	store       *facts.Store
	streaks     *streaks.Service
	coordinator *syncer.Coordinator
	leaderboard *leaderboard.Aggregator
	progress    *progress.Service
	dispatcher  *RefreshDispatcher
	userID      facts.UserID
	groupID     string
	logger      *zap.Logger
}

type recordResultPayload struct {
	ActivityID   string `json:"activity_id"`
	PlayedAtS    int64  `json:"played_at_s"`
	Score        *int   `json:"score"`
	Completed    bool   `json:"completed"`
	Metadata     string `json:"metadata"`
	OriginDevice string `json:"origin_device"`
}

type streakStatePayload struct {
	ActivityID     string `json:"activity_id"`
	CurrentStreak  int    `json:"current_streak"`
	MaxStreak      int    `json:"max_streak"`
	StreakStartKey int    `json:"streak_start_key"`
	LastPlayedKey  int    `json:"last_played_key"`
	TotalPlayed    int    `json:"total_played"`
	TotalCompleted int    `json:"total_completed"`
}

func streakStateResponse(state streaks.State) streakStatePayload {
	return streakStatePayload{
		ActivityID:     state.ActivityID,
		CurrentStreak:  state.CurrentStreak,
		MaxStreak:      state.MaxStreak,
		StreakStartKey: state.StreakStartKey.Int(),
		LastPlayedKey:  state.LastPlayedKey.Int(),
		TotalPlayed:    state.TotalPlayed,
		TotalCompleted: state.TotalCompleted,
	}
}

func (h *httpHandler) handleRecordResult(c *gin.Context) {
	var request recordResultPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	activityID, err := facts.NewActivityID(request.ActivityID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_activity_id"})
		return
	}
	playedAt, err := facts.NewUnixTimestamp(request.PlayedAtS)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_played_at"})
		return
	}

	record, state, err := h.streaks.RecordResult(c.Request.Context(), facts.NewResultInput{
		ActivityID:   activityID,
		PlayedAt:     playedAt,
		Score:        request.Score,
		Completed:    request.Completed,
		MetadataJSON: request.Metadata,
		OriginDevice: request.OriginDevice,
	})
	if err != nil {
		h.respondError(c, err, "record result failed")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"result_id": record.ResultID,
		"date_key":  record.DateKey,
		"streak":    streakStateResponse(state),
	})
}

func (h *httpHandler) handleDeleteResult(c *gin.Context) {
	resultID := strings.TrimSpace(c.Param("id"))
	if resultID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_result_id"})
		return
	}

	state, err := h.streaks.DeleteResult(c.Request.Context(), resultID)
	if err != nil {
		h.respondError(c, err, "delete result failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"streak": streakStateResponse(state)})
}

func (h *httpHandler) handleStreakSnapshot(c *gin.Context) {
	activityID := strings.TrimSpace(c.Param("activityId"))
	if activityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_activity_id"})
		return
	}

	state, err := h.streaks.Snapshot(c.Request.Context(), activityID)
	if err != nil {
		h.respondError(c, err, "streak snapshot failed")
		return
	}
	c.JSON(http.StatusOK, streakStateResponse(state))
}

// handleForegroundRefresh re-derives every activity and applies the
// elapsed-time normalization pass. Clients call it when returning to the
// foreground; a bare day tick on a backgrounded client must not trigger it.
func (h *httpHandler) handleForegroundRefresh(c *gin.Context) {
	states, err := h.streaks.RefreshForForeground(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "foreground refresh failed")
		return
	}
	payload := make([]streakStatePayload, 0, len(states))
	for _, state := range states {
		payload = append(payload, streakStateResponse(state))
	}
	c.JSON(http.StatusOK, gin.H{"streaks": payload})
}

func (h *httpHandler) handleLeaderboard(c *gin.Context) {
	today := h.store.TodayKey()
	startKey := today.AddDays(-6)
	endKey := today

	var err error
	if raw := c.Query("start"); raw != "" {
		if startKey, err = parseDateKeyParam(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_start"})
			return
		}
	}
	if raw := c.Query("end"); raw != "" {
		if endKey, err = parseDateKeyParam(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_end"})
			return
		}
	}
	groupID := c.DefaultQuery("group", h.groupID)

	rows, err := h.leaderboard.Fetch(c.Request.Context(), groupID, startKey, endKey)
	if err != nil {
		h.respondError(c, err, "leaderboard fetch failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"start_key": startKey.Int(),
		"end_key":   endKey.Int(),
		"group_id":  groupID,
		"rows":      rows,
	})
}

type progressEntryPayload struct {
	Category     string         `json:"category"`
	CurrentValue int64          `json:"current_value"`
	CurrentTier  string         `json:"current_tier"`
	UnlockDates  map[string]int `json:"unlock_dates,omitempty"`
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	categories, err := h.progress.ListCategories(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "progress listing failed")
		return
	}

	entries := make([]progressEntryPayload, 0, len(categories))
	for _, category := range categories {
		record, found, err := h.progress.Load(c.Request.Context(), category)
		if err != nil {
			h.respondError(c, err, "progress load failed")
			return
		}
		if !found {
			continue
		}
		entry := progressEntryPayload{
			Category:     record.Category,
			CurrentValue: record.CurrentValue,
			CurrentTier:  record.CurrentTier.String(),
		}
		if len(record.TierUnlockDates) > 0 {
			entry.UnlockDates = make(map[string]int, len(record.TierUnlockDates))
			for tier, date := range record.TierUnlockDates {
				entry.UnlockDates[tier.String()] = date.Int()
			}
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"progress": entries})
}

func (h *httpHandler) handleSyncFlush(c *gin.Context) {
	if err := h.coordinator.Flush(c.Request.Context()); err != nil {
		h.respondError(c, err, "sync flush failed")
		return
	}
	pending, err := h.coordinator.PendingCount(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "sync flush failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

type localSessionPayload struct {
	Enabled bool `json:"enabled"`
}

func (h *httpHandler) handleLocalSession(c *gin.Context) {
	var request localSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.coordinator.SetLocalSession(c.Request.Context(), request.Enabled); err != nil {
		h.respondError(c, err, "local session toggle failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"local_session": request.Enabled})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), h.userID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), gin.H{
				"activity_ids": event.ActivityIDs,
				"timestamp_s":  event.Timestamp.Unix(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(string(eventHeartbeat), gin.H{})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// respondError maps the service error taxonomy onto HTTP statuses: invalid
// input is the caller's fault, missing facts are 404, everything else is a
// server-side failure.
func (h *httpHandler) respondError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, facts.ErrResultNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, games.ErrInvalidResult),
		errors.Is(err, games.ErrUnknownActivity),
		errors.Is(err, facts.ErrInvalidActivityID),
		errors.Is(err, facts.ErrInvalidTimestamp),
		errors.Is(err, facts.ErrInvalidDateKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func parseDateKeyParam(raw string) (facts.DateKey, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid date key %q", raw)
	}
	return facts.NewDateKey(value)
}

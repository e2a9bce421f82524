package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/services"
	"livecast/internal/infrastructure/events"
	"livecast/pkg/distributed"
	"livecast/pkg/errors"
	"livecast/pkg/tracing"
	"livecast/pkg/utils"
	"livecast/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IngestDefaults fill in start and probe requests that omit the endpoint
// or stream key.
type IngestDefaults struct {
	Endpoint  string
	StreamKey string
}

// ProbeObserver receives probe progress reports.
type ProbeObserver interface {
	ProbeUpdate(result domain.ProbeResult)
}

// StreamLocker grants one instance at a time the right to publish to an
// ingest. *distributed.LockManager satisfies it.
type StreamLocker interface {
	TryAcquire(ctx context.Context, name string) (*distributed.Lock, error)
}

type SessionHandler struct {
	session *services.BroadcastSession
	ingest  IngestDefaults
	probes  ProbeObserver
	logger  *zap.SugaredLogger

	locks    StreamLocker
	mu       sync.Mutex
	held     *distributed.Lock
	heldName string
}

func NewSessionHandler(
	session *services.BroadcastSession,
	ingest IngestDefaults,
	probes ProbeObserver,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		session: session,
		ingest:  ingest,
		probes:  probes,
		logger:  logger,
	}
}

// WithStreamLock makes starts take an exclusive lock on the ingest. The
// lock is held until stop.
func (h *SessionHandler) WithStreamLock(locks StreamLocker) *SessionHandler {
	h.locks = locks
	return h
}

func (h *SessionHandler) RegisterRoutes(read, write gin.IRoutes) {
	read.GET("/session", h.GetSession)
	read.GET("/session/stats", h.GetStatistics)
	write.POST("/session/start", h.Start)
	write.POST("/session/stop", h.Stop)
	write.POST("/session/metadata", h.SendMetadata)
	write.PUT("/session/log-level", h.SetLogLevel)

	read.GET("/probe", h.GetProbe)
	write.POST("/probe", h.StartProbe)
	write.DELETE("/probe", h.CancelProbe)
}

type SessionView struct {
	SessionID   string              `json:"session_id,omitempty"`
	State       string              `json:"state"`
	RetryState  string              `json:"retry_state"`
	Ready       bool                `json:"ready"`
	ProbeActive bool                `json:"probe_active"`
	Video       events.VideoPayload `json:"video"`
}

func (h *SessionHandler) view() SessionView {
	v := SessionView{
		SessionID:  h.session.SessionID(),
		State:      h.session.State().String(),
		RetryState: h.session.RetryState().String(),
		Ready:      h.session.IsReady(),
		Video:      events.NewVideoPayload(h.session.Configuration().Video),
	}
	if p, ok := h.session.ActiveProbe(); ok {
		v.ProbeActive = p.Active()
	}
	return v
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.view())
}

func (h *SessionHandler) GetStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, events.NewStatisticsPayload(h.session.Statistics()))
}

type StartRequest struct {
	Endpoint  string `json:"endpoint" binding:"max=2048"`
	StreamKey string `json:"stream_key" binding:"max=256"`
}

// resolve applies defaults and validates the pair.
func (h *SessionHandler) resolve(endpoint, streamKey string) (string, string, error) {
	if endpoint == "" {
		endpoint = h.ingest.Endpoint
	}
	if streamKey == "" {
		streamKey = h.ingest.StreamKey
	}
	if err := validation.ValidateIngestURL(endpoint); err != nil {
		return "", "", errors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateStreamKey(streamKey); err != nil {
		return "", "", errors.NewInvalidInputError(err.Error())
	}
	return endpoint, streamKey, nil
}

// Start begins broadcasting. Progress is reported on the event stream;
// the response only confirms the attempt is under way.
func (h *SessionHandler) Start(c *gin.Context) {
	var req StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	endpoint, key, err := h.resolve(req.Endpoint, req.StreamKey)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if err := h.StartBroadcast(c.Request.Context(), endpoint, key); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, h.view())
}

// lockName identifies an ingest without putting the stream key in Redis.
func lockName(endpoint, streamKey string) string {
	sum := sha256.Sum256([]byte(endpoint + "\x00" + streamKey))
	return hex.EncodeToString(sum[:16])
}

// StartBroadcast starts the session, first taking the stream lock when one
// is configured.
func (h *SessionHandler) StartBroadcast(ctx context.Context, endpoint, streamKey string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lock *distributed.Lock
	if h.locks != nil {
		name := lockName(endpoint, streamKey)
		if h.held != nil && h.heldName == name && h.held.Err() == nil {
			lock = h.held
		} else {
			var err error
			lock, err = h.locks.TryAcquire(ctx, name)
			if stderrors.Is(err, distributed.ErrLockHeld) {
				return errors.NewConflictError("stream is already live on another instance")
			}
			if err != nil {
				return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "failed to lock stream", http.StatusServiceUnavailable)
			}
		}
		if err := h.session.Start(endpoint, streamKey); err != nil {
			if lock != h.held {
				h.unlock(lock)
			}
			return err
		}
		if lock != h.held {
			if h.held != nil {
				h.unlock(h.held)
			}
			h.held, h.heldName = lock, name
			go h.watchLock(lock)
		}
	} else if err := h.session.Start(endpoint, streamKey); err != nil {
		return err
	}

	tracing.AddSpanAttributes(ctx,
		tracing.SessionIDKey.String(h.session.SessionID()),
		tracing.EndpointKey.String(endpoint),
	)
	h.logger.Infow("broadcast start requested",
		"endpoint", endpoint,
		"stream_key", utils.MaskSensitive(streamKey, 4),
		"session_id", h.session.SessionID(),
	)
	return nil
}

func (h *SessionHandler) unlock(lock *distributed.Lock) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lock.Unlock(ctx); err != nil {
		h.logger.Warnw("failed to release stream lock", "key", lock.Key(), "error", err)
	}
}

// watchLock stops the broadcast if another instance takes the stream over.
func (h *SessionHandler) watchLock(lock *distributed.Lock) {
	<-lock.Done()
	if lock.Err() == nil {
		return
	}
	h.mu.Lock()
	current := h.held == lock
	if current {
		h.held, h.heldName = nil, ""
	}
	h.mu.Unlock()
	if !current {
		return
	}
	h.logger.Errorw("stream lock lost, stopping broadcast", "key", lock.Key())
	if err := h.session.Stop(); err != nil {
		h.logger.Warnw("failed to stop broadcast", "error", err)
	}
}

// StopBroadcast stops the session and releases the stream lock.
func (h *SessionHandler) StopBroadcast() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.session.Stop(); err != nil {
		return err
	}
	if h.held != nil {
		h.unlock(h.held)
		h.held, h.heldName = nil, ""
	}
	return nil
}

func (h *SessionHandler) Stop(c *gin.Context) {
	if err := h.StopBroadcast(); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, h.view())
}

type MetadataRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *SessionHandler) SendMetadata(c *gin.Context) {
	var req MetadataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("text is required"))
		return
	}
	if err := h.session.SendTimedMetadata(c.Request.Context(), req.Text); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

type LogLevelRequest struct {
	Level string `json:"level" binding:"required,oneof=debug info warn warning error"`
}

func (h *SessionHandler) SetLogLevel(c *gin.Context) {
	var req LogLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("level must be one of debug, info, warn or error"))
		return
	}
	level := domain.ParseLogLevel(req.Level)
	h.session.SetLogLevel(level)
	c.JSON(http.StatusOK, gin.H{"log_level": level.String()})
}

type ProbeRequest struct {
	Endpoint   string `json:"endpoint" binding:"max=2048"`
	StreamKey  string `json:"stream_key" binding:"max=256"`
	DurationMs int    `json:"duration_ms" binding:"min=0,max=60000"`
	Portrait   bool   `json:"portrait"`
	UseIPv6    bool   `json:"use_ipv6"`
}

// StartProbe launches a network quality probe. Updates go to the event
// stream; GET /probe returns the latest result.
func (h *SessionHandler) StartProbe(c *gin.Context) {
	var req ProbeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(errors.NewInvalidInputError("invalid request format"))
			return
		}
	}

	endpoint, key, err := h.resolve(req.Endpoint, req.StreamKey)
	if err != nil {
		_ = c.Error(err)
		return
	}

	opts := services.ProbeOptions{
		Endpoint:  endpoint,
		StreamKey: key,
		Duration:  time.Duration(req.DurationMs) * time.Millisecond,
		Portrait:  req.Portrait,
		UseIPv6:   req.UseIPv6,
	}
	probe, err := h.session.StartProbe(opts, func(r domain.ProbeResult) {
		if h.probes != nil {
			h.probes.ProbeUpdate(r)
		}
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Infow("network probe started", "endpoint", endpoint, "duration", opts.Duration)
	c.JSON(http.StatusAccepted, events.NewProbePayload(probe.Result()))
}

func (h *SessionHandler) GetProbe(c *gin.Context) {
	probe, ok := h.session.ActiveProbe()
	if !ok {
		_ = c.Error(errors.NewNotFoundError("probe"))
		return
	}
	c.JSON(http.StatusOK, events.NewProbePayload(probe.Result()))
}

func (h *SessionHandler) CancelProbe(c *gin.Context) {
	probe, ok := h.session.ActiveProbe()
	if !ok || !probe.Active() {
		_ = c.Error(errors.NewNotFoundError("running probe"))
		return
	}
	probe.Cancel()
	c.Status(http.StatusNoContent)
}

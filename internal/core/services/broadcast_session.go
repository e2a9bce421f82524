package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/tracing"
	"livecast/pkg/utils"
	"livecast/pkg/validation"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultTeardownTimeout = 5 * time.Second

	metadataPerSecond = 5
)

// Listener receives session events on the dispatcher. Nil fields are
// skipped.
type Listener struct {
	OnStateChange      func(domain.SessionState)
	OnError            func(error)
	OnRetryStateChange func(domain.RetryState)
	OnStatistics       func(domain.TransmissionStatistics)
	OnDeviceAdded      func(domain.DeviceDescriptor)
	OnDeviceRemoved    func(domain.DeviceDescriptor)
	OnAudioStats       func(urn string, stats domain.AudioStats)
}

type listenerTable struct {
	mu   sync.RWMutex
	next int
	byID map[int]Listener
}

func (t *listenerTable) add(l Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byID == nil {
		t.byID = make(map[int]Listener)
	}
	id := t.next
	t.next++
	t.byID[id] = l
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.byID, id)
	}
}

// each calls fn for every listener in subscription order.
func (t *listenerTable) each(fn func(Listener)) {
	t.mu.RLock()
	ids := make([]int, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, t.byID[id])
	}
	t.mu.RUnlock()

	for _, l := range ls {
		fn(l)
	}
}

type SessionOptions struct {
	// Config is copied; later changes to it do not reach the session.
	Config *domain.BroadcastConfiguration
	// Descriptors are attached right after construction. Failures are
	// reported through OnError.
	Descriptors   []domain.DeviceDescriptor
	AttachPolicy  AttachPolicy
	AudioStrategy domain.AudioSessionStrategy

	Provider     ports.DeviceProvider
	Transports   ports.TransportFactory
	Connectivity ports.ConnectivityMonitor
	Encoder      ports.EncoderControl
	Pipeline     ports.MediaPipeline

	Clock  clock.Clock
	Logger *zap.SugaredLogger
	// Level, when set, follows the configured log level and SetLogLevel.
	Level *zap.AtomicLevel
	// Listener is subscribed before any device is attached.
	Listener *Listener
	// HealthHysteresis overrides the quality grading hysteresis when set.
	HealthHysteresis *float64

	TeardownTimeout time.Duration
}

// BroadcastSession owns one broadcast: devices, mixer, transport, bitrate
// adaptation and reconnection. It is the single authority over their
// shared state.
type BroadcastSession struct {
	cfg          *domain.BroadcastConfiguration
	transports   ports.TransportFactory
	provider     ports.DeviceProvider
	encoder      ports.EncoderControl
	clock        clock.Clock
	logger       *zap.SugaredLogger
	level        *zap.AtomicLevel
	teardownWait time.Duration

	dispatcher *Dispatcher
	mixer      *Mixer
	registry   *DeviceRegistry
	state      *SessionStateMachine
	retry      *RetryController
	abr        *AdaptiveBitrateController
	probe      *NetworkQualityProbe
	sink       *sourceSink
	listeners  listenerTable
	metadata   *rate.Limiter

	// live revokes statistics queued for a transport that has gone away.
	live gate

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	ready       bool
	closed      bool
	sessionID   string
	endpoint    string
	streamKey   string
	runCtx      context.Context
	runCancel   context.CancelFunc
	transport   ports.Transport
	activeProbe *ProbeHandle
	stats       domain.TransmissionStatistics
}

func NewBroadcastSession(opts SessionOptions) (*BroadcastSession, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("device provider is required")
	}
	if opts.Transports == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if opts.Config == nil {
		opts.Config = domain.NewBroadcastConfiguration()
	}
	cfg := opts.Config.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.AttachPolicy == (AttachPolicy{}) {
		opts.AttachPolicy = DefaultAttachPolicy()
	}
	if opts.Level != nil {
		opts.Level.SetLevel(zapLevel(cfg.LogLevel))
	}

	logger := opts.Logger
	dispatcher := NewDispatcher(logger)
	mixer, err := NewMixer(MixerOptions{
		Canvas:              cfg.Video.Size(),
		CanvasAspect:        cfg.Mixer.CanvasAspectMode,
		TransparencyEnabled: cfg.Video.EnableTransparency,
		Slots:               cfg.Mixer.Slots,
	}, opts.Clock, dispatcher, logger)
	if err != nil {
		dispatcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	quality := NewQualityService()
	if opts.HealthHysteresis != nil {
		quality.SetHysteresisFactor(*opts.HealthHysteresis)
	}
	s := &BroadcastSession{
		cfg:          cfg,
		transports:   opts.Transports,
		provider:     opts.Provider,
		encoder:      opts.Encoder,
		clock:        opts.Clock,
		logger:       logger,
		level:        opts.Level,
		teardownWait: opts.TeardownTimeout,
		dispatcher:   dispatcher,
		mixer:        mixer,
		registry:     NewDeviceRegistry(opts.Provider, mixer, dispatcher, opts.AttachPolicy, opts.AudioStrategy, logger),
		abr:          NewAdaptiveBitrateController(cfg.Video, quality, logger),
		probe:        NewNetworkQualityProbe(opts.Transports, opts.Clock, dispatcher, quality, logger),
		metadata:     rate.NewLimiter(metadataPerSecond, metadataPerSecond),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.sink = &sourceSink{
		mixer:    mixer,
		pipeline: opts.Pipeline,
		report:   s.emitError,
		levels:   s.emitAudioStats,
	}
	s.state = NewSessionStateMachine(dispatcher, s.emitState, logger)
	s.retry = NewRetryController(cfg.AutoReconnect, opts.Clock, opts.Connectivity, dispatcher, s.emitRetryState, logger)

	if opts.Listener != nil {
		s.Subscribe(*opts.Listener)
	}
	if _, err := s.state.Fire(EventReady); err != nil {
		cancel()
		dispatcher.Close()
		return nil, err
	}
	s.ready = true

	for _, desc := range opts.Descriptors {
		s.registry.Attach(desc, "", func(_ ports.Device, err error) {
			if err != nil {
				s.listeners.each(func(l Listener) {
					if l.OnError != nil {
						l.OnError(err)
					}
				})
			}
		})
	}
	if events := opts.Provider.Watch(); events != nil {
		go s.watchDevices(events)
	}

	logger.Infow("broadcast session created",
		"video_size", fmt.Sprintf("%dx%d", cfg.Video.Size().Width, cfg.Video.Size().Height),
		"initial_bitrate", cfg.Video.InitialBitrate(),
		"slots", len(cfg.Mixer.Slots),
		"auto_reconnect", cfg.AutoReconnect.Enabled,
	)
	return s, nil
}

// Subscribe registers l and returns a func that removes it.
func (s *BroadcastSession) Subscribe(l Listener) func() {
	return s.listeners.add(l)
}

func (s *BroadcastSession) emit(fn func(Listener)) {
	s.dispatcher.Dispatch(func() { s.listeners.each(fn) })
}

func (s *BroadcastSession) emitState(st domain.SessionState) {
	s.listeners.each(func(l Listener) {
		if l.OnStateChange != nil {
			l.OnStateChange(st)
		}
	})
}

func (s *BroadcastSession) emitRetryState(st domain.RetryState) {
	s.listeners.each(func(l Listener) {
		if l.OnRetryStateChange != nil {
			l.OnRetryStateChange(st)
		}
	})
}

func (s *BroadcastSession) emitError(err error) {
	s.emit(func(l Listener) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}

func (s *BroadcastSession) emitAudioStats(urn string, stats domain.AudioStats) {
	s.emit(func(l Listener) {
		if l.OnAudioStats != nil {
			l.OnAudioStats(urn, stats)
		}
	})
}

// Start begins broadcasting to endpoint. It returns once the connection
// attempt is under way; progress is reported through OnStateChange.
func (s *BroadcastSession) Start(endpoint, streamKey string) error {
	if err := validation.ValidateIngestURL(endpoint); err != nil {
		return domain.ErrHandshakeFailed.WithSource(endpoint).WithCause(err)
	}
	if err := validation.ValidateStreamKey(streamKey); err != nil {
		return domain.ErrHandshakeFailed.WithSource(endpoint).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed || !s.ready:
		return domain.ErrSessionIsNotReady
	case s.activeProbe != nil && s.activeProbe.Active():
		return domain.Errorf(domain.ErrCodeInvalidState, "cannot start while a network probe is running")
	}
	if _, err := s.state.Fire(EventStart); err != nil {
		return err
	}

	s.sessionID = uuid.NewString()
	s.endpoint = endpoint
	s.streamKey = streamKey
	s.runCtx, s.runCancel = context.WithCancel(s.ctx)
	s.stats = domain.TransmissionStatistics{}
	s.abr.Reset()
	s.retry.Arm(s.reconnect, s.onRetryOutcome)

	s.logger.Infow("broadcast starting", "session_id", s.sessionID, "endpoint", endpoint, "stream_key", utils.MaskSensitive(streamKey, 4))
	go s.connect(s.runCtx)
	return nil
}

func (s *BroadcastSession) connect(ctx context.Context) {
	t, err := s.dial(ctx, "start")
	if err != nil {
		s.connectFailed(ctx, err)
		return
	}
	_ = s.goLive(ctx, t)
}

func (s *BroadcastSession) connectFailed(ctx context.Context, err *domain.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if unrecoverable(err) {
		s.errorLocked(err)
		return
	}
	if s.retry.Enabled() {
		_, _ = s.state.Fire(EventConnectionLost)
		s.emitError(err)
		s.retry.HandleFailure(err)
		return
	}
	s.failLocked(err)
}

// dial creates a transport and completes the ingest handshake.
func (s *BroadcastSession) dial(ctx context.Context, op string) (ports.Transport, *domain.Error) {
	s.mu.Lock()
	id, endpoint, key := s.sessionID, s.endpoint, s.streamKey
	s.mu.Unlock()

	ctx, span := tracing.TraceSession(ctx, op, id, endpoint)
	defer span.End()

	video := s.cfg.Video
	if initial := s.abr.Recommended(); initial >= video.MinBitrate() && initial <= video.MaxBitrate() {
		_ = video.SetInitialBitrate(initial)
	}
	t, err := s.transports.NewTransport(ctx, ports.TransportParams{
		Endpoint:  endpoint,
		StreamKey: key,
		Video:     video,
		Audio:     s.cfg.Audio,
		UseIPv6:   s.cfg.Network.UseIPv6,
	})
	if err != nil {
		herr := handshakeError(endpoint, err)
		tracing.RecordError(ctx, herr)
		return nil, herr
	}
	if err := t.Connect(ctx); err != nil {
		_ = t.Close()
		herr := handshakeError(endpoint, err)
		tracing.RecordError(ctx, herr)
		return nil, herr
	}
	return t, nil
}

func handshakeError(endpoint string, err error) *domain.Error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.ErrHandshakeFailed.WithSource(endpoint).WithCause(err)
}

// goLive installs t as the active transport and starts the telemetry pump.
func (s *BroadcastSession) goLive(ctx context.Context, t ports.Transport) error {
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = t.Close()
		return ctx.Err()
	}
	if _, err := s.state.Fire(EventConnected); err != nil {
		s.mu.Unlock()
		_ = t.Close()
		return err
	}
	s.transport = t
	gen := s.live.Cancel()
	id := s.sessionID
	s.mu.Unlock()

	if s.encoder != nil {
		if kr, ok := t.(ports.KeyframeRequester); ok {
			kr.OnKeyframeRequest(s.encoder.RequestKeyframe)
		}
		s.encoder.SetTargetBitrate(s.abr.Recommended())
	}
	s.logger.Infow("broadcast live", "session_id", id, "bitrate", s.abr.Recommended())
	go s.pump(ctx, t, gen)
	return nil
}

// pump feeds transport telemetry through bitrate adaptation until the
// transport is lost or the run ends.
func (s *BroadcastSession) pump(ctx context.Context, t ports.Transport, gen uint64) {
	telemetry := t.Telemetry()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-t.Lost():
			s.handleLoss(gen, err)
			return
		case sample, ok := <-telemetry:
			if !ok {
				telemetry = nil
				continue
			}
			st := s.abr.Process(sample)
			s.mu.Lock()
			if s.live.current() != gen {
				s.mu.Unlock()
				return
			}
			s.stats = st
			s.mu.Unlock()

			if s.encoder != nil {
				s.encoder.SetTargetBitrate(st.RecommendedBitrate)
			}
			s.live.deliver(s.dispatcher, gen, func() {
				s.listeners.each(func(l Listener) {
					if l.OnStatistics != nil {
						l.OnStatistics(st)
					}
				})
			})
		}
	}
}

func (s *BroadcastSession) handleLoss(gen uint64, cause error) {
	err := domain.ErrNetworkConnectivityLost.WithSource("transport").WithCause(cause)

	s.mu.Lock()
	if s.live.current() != gen {
		s.mu.Unlock()
		return
	}
	t := s.takeTransportLocked()
	s.logger.Warnw("transport lost", "session_id", s.sessionID, "error", cause)
	if s.retry.Enabled() {
		_, _ = s.state.Fire(EventConnectionLost)
		s.emitError(err)
		s.retry.HandleFailure(err)
	} else {
		s.failLocked(err)
	}
	s.mu.Unlock()

	closeTransport(t, s.logger)
}

// reconnect is the retry attempt: redial and, on success, go live again
// under the current run.
func (s *BroadcastSession) reconnect(ctx context.Context) error {
	s.mu.Lock()
	runCtx := s.runCtx
	if runCtx == nil || runCtx.Err() != nil {
		s.mu.Unlock()
		return context.Canceled
	}
	if _, err := s.state.Fire(EventReconnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	t, err := s.dial(ctx, "reconnect")
	if err != nil {
		s.mu.Lock()
		switch {
		case runCtx.Err() != nil:
		case unrecoverable(err):
			s.retry.stop()
			s.errorLocked(err)
		default:
			_, _ = s.state.Fire(EventConnectionLost)
		}
		s.mu.Unlock()
		return err
	}
	s.abr.Reset()
	return s.goLive(runCtx, t)
}

func (s *BroadcastSession) onRetryOutcome(err error) {
	if err == nil {
		return
	}
	fatal := domain.ErrNetworkConnectivityLost.WithSource("transport").WithCause(err)
	s.mu.Lock()
	t := s.takeTransportLocked()
	s.failLocked(fatal)
	s.mu.Unlock()
	closeTransport(t, s.logger)
}

// failLocked ends the run with a fatal error.
func (s *BroadcastSession) failLocked(err *domain.Error) {
	fatal := err.AsFatal()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.live.Cancel()
	if s.state.Can(EventFatal) {
		_, _ = s.state.Fire(EventFatal)
	}
	s.logger.Errorw("broadcast failed", "session_id", s.sessionID, "error", fatal)
	s.emitError(fatal)
}

// errorLocked parks the session in Error. Only Stop leaves that state.
func (s *BroadcastSession) errorLocked(err *domain.Error) {
	fatal := err.AsFatal()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	s.live.Cancel()
	_, _ = s.state.Fire(EventUnrecoverable)
	s.logger.Errorw("broadcast failed unrecoverably", "session_id", s.sessionID, "error", fatal)
	s.emitError(fatal)
}

// unrecoverable reports failures a retry cannot fix: the ingest server
// refusing the credentials, or no encoder for the configured codec.
func unrecoverable(err error) bool {
	if errors.Is(err, domain.ErrEncoderNotFound) {
		return true
	}
	var rejection ports.Rejection
	return errors.As(err, &rejection) && rejection.Unrecoverable()
}

func (s *BroadcastSession) takeTransportLocked() ports.Transport {
	t := s.transport
	s.transport = nil
	return t
}

func closeTransport(t ports.Transport, logger *zap.SugaredLogger) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		logger.Warnw("failed to close transport", "error", err)
	}
}

// Stop ends the broadcast and any retry sequence. No retry-state or
// statistics callback is delivered after Stop returns. Stopping an idle
// session is a no-op.
func (s *BroadcastSession) Stop() error {
	s.mu.Lock()
	s.retry.stop()
	s.live.Cancel()
	if s.runCancel != nil {
		s.runCancel()
		s.runCancel = nil
	}
	t := s.takeTransportLocked()

	var err error
	switch s.state.State() {
	case domain.SessionStateInvalid, domain.SessionStateDisconnected:
	default:
		_, err = s.state.Fire(EventStop)
		s.logger.Infow("broadcast stopped", "session_id", s.sessionID)
	}
	s.mu.Unlock()

	s.retry.awaitCallbacks()
	s.live.wait(s.dispatcher)
	closeTransport(t, s.logger)
	return err
}

// SendTimedMetadata sends text in-band with the stream. It is only allowed
// while connected, up to 1 KiB and five messages per second.
func (s *BroadcastSession) SendTimedMetadata(ctx context.Context, text string) error {
	if len(text) > validation.MaxMetadataBytes {
		return domain.Errorf(domain.ErrCodeMetadataTooLarge, "metadata of %d bytes exceeds %d", len(text), validation.MaxMetadataBytes)
	}

	s.mu.Lock()
	t := s.transport
	st := s.state.State()
	s.mu.Unlock()
	if st != domain.SessionStateConnected || t == nil {
		return domain.Errorf(domain.ErrCodeInvalidState, "cannot send metadata while %s", st)
	}
	if !s.metadata.AllowN(s.clock.Now(), 1) {
		return domain.ErrMetadataRateExceeded
	}
	return t.SendMetadata(ctx, text)
}

// WriteFrame forwards an encoded access unit to the live transport.
func (s *BroadcastSession) WriteFrame(frame domain.EncodedFrame) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return domain.Errorf(domain.ErrCodeInvalidState, "not connected")
	}
	return t.WriteFrame(frame)
}

// ListAvailableDevices lists the provider's devices, cameras first.
func (s *BroadcastSession) ListAvailableDevices(ctx context.Context) ([]domain.DeviceDescriptor, error) {
	devices, err := s.provider.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].Less(devices[j]) })
	return devices, nil
}

func (s *BroadcastSession) ListAttachedDevices() []ports.Device {
	return s.registry.Attached()
}

func (s *BroadcastSession) Device(urn string) (ports.Device, bool) {
	return s.registry.Lookup(urn)
}

// Attach opens desc and binds it to slot, or to the first compatible slot
// when slot is empty. cb runs on the dispatcher.
func (s *BroadcastSession) Attach(desc domain.DeviceDescriptor, slot string, cb DeviceCallback) {
	s.registry.Attach(desc, slot, cb)
}

func (s *BroadcastSession) Detach(dev ports.Device, cb func()) {
	s.registry.Detach(dev, cb)
}

func (s *BroadcastSession) Exchange(old ports.Device, next domain.DeviceDescriptor, cb DeviceCallback) {
	s.registry.Exchange(old, next, cb)
}

// AwaitDeviceChanges runs cb on the dispatcher once every device operation
// issued so far has completed.
func (s *BroadcastSession) AwaitDeviceChanges(cb func()) {
	s.registry.AwaitDeviceChanges(cb)
}

// CreateImageSource returns a custom image source bound to slot, or to the
// first slot preferring user images when slot is empty.
func (s *BroadcastSession) CreateImageSource(name, slot string, cb DeviceCallback) ports.ImageSource {
	src := newCustomImageSource(name, s.sink)
	s.registry.AttachDevice(src, slot, cb)
	return src
}

// CreateAudioSource returns a custom PCM source. Its levels are reported
// through OnAudioStats.
func (s *BroadcastSession) CreateAudioSource(name, slot string, cb DeviceCallback) ports.AudioSource {
	src := newCustomAudioSource(name, s.sink)
	s.registry.AttachDevice(src, slot, cb)
	return src
}

// Preview returns a view of the composited layout fitted with aspect.
func (s *BroadcastSession) Preview(aspect domain.AspectMode) (*Preview, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, domain.ErrSessionIsNotReady
	}
	return newPreview(s.mixer, aspect), nil
}

// StartProbe runs a network quality probe. It is rejected while a
// broadcast is running or another probe is active.
func (s *BroadcastSession) StartProbe(opts ProbeOptions, onUpdate func(domain.ProbeResult)) (*ProbeHandle, error) {
	if err := validation.ValidateIngestURL(opts.Endpoint); err != nil {
		return nil, domain.ErrHandshakeFailed.WithSource(opts.Endpoint).WithCause(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, domain.ErrSessionIsNotReady
	case s.runCancel != nil:
		return nil, domain.Errorf(domain.ErrCodeInvalidState, "cannot probe while broadcasting")
	case s.activeProbe != nil && s.activeProbe.Active():
		return nil, domain.Errorf(domain.ErrCodeInvalidState, "a network probe is already running")
	}

	ctx, span := tracing.TraceProbe(s.ctx, opts.Endpoint)
	h, err := s.probe.Start(ctx, opts, onUpdate)
	if err != nil {
		span.End()
		return nil, err
	}
	go func() {
		<-h.Done()
		span.End()
	}()
	s.activeProbe = h
	return h, nil
}

// ActiveProbe returns the most recent probe, running or finished.
func (s *BroadcastSession) ActiveProbe() (*ProbeHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProbe, s.activeProbe != nil
}

// SetLogLevel changes verbosity at runtime when the session was given a
// level to control.
func (s *BroadcastSession) SetLogLevel(level domain.LogLevel) {
	if s.level != nil {
		s.level.SetLevel(zapLevel(level))
	}
}

func zapLevel(l domain.LogLevel) zapcore.Level {
	switch l {
	case domain.LogLevelDebug:
		return zapcore.DebugLevel
	case domain.LogLevelInfo:
		return zapcore.InfoLevel
	case domain.LogLevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func (s *BroadcastSession) State() domain.SessionState {
	return s.state.State()
}

func (s *BroadcastSession) RetryState() domain.RetryState {
	return s.retry.State()
}

// SessionID is regenerated on every Start.
func (s *BroadcastSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *BroadcastSession) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

// Statistics returns the most recent sample of the current run.
func (s *BroadcastSession) Statistics() domain.TransmissionStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *BroadcastSession) Mixer() *Mixer {
	return s.mixer
}

// Configuration returns a copy of the configuration the session was built with.
func (s *BroadcastSession) Configuration() *domain.BroadcastConfiguration {
	return s.cfg.Clone()
}

// Close stops the broadcast, waits up to the teardown timeout for device
// operations and the probe, then releases everything. Callbacks already
// queued are delivered before Close returns.
func (s *BroadcastSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	probe := s.activeProbe
	s.mu.Unlock()

	_ = s.Stop()

	ctx, cancel := context.WithTimeout(ctx, s.teardownWait)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.registry.Close(gctx)
	})
	if probe != nil {
		g.Go(func() error {
			probe.Cancel()
			select {
			case <-probe.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	err := g.Wait()

	s.cancel()
	s.dispatcher.Close()
	s.logger.Infow("broadcast session closed", "forced", err != nil)
	return err
}

func (s *BroadcastSession) watchDevices(events <-chan ports.DeviceEvent) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			desc := ev.Descriptor
			if ev.Added {
				s.logger.Debugw("device added", "device", desc.URN)
				s.emit(func(l Listener) {
					if l.OnDeviceAdded != nil {
						l.OnDeviceAdded(desc)
					}
				})
				continue
			}
			removed := func() {
				s.listeners.each(func(l Listener) {
					if l.OnDeviceRemoved != nil {
						l.OnDeviceRemoved(desc)
					}
				})
			}
			if _, attached := s.registry.Lookup(desc.URN); attached {
				s.logger.Infow("attached device removed, detaching", "device", desc.URN)
				s.registry.DetachURN(desc.URN, removed)
				continue
			}
			s.dispatcher.Dispatch(removed)
		}
	}
}

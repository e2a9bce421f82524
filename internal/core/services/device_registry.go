package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"go.uber.org/zap"
)

type AttachPolicy struct {
	// AllowMultiplePerType permits more than one camera or microphone.
	AllowMultiplePerType   bool
	MaxExternalAudioInputs int
}

func DefaultAttachPolicy() AttachPolicy {
	return AttachPolicy{MaxExternalAudioInputs: 4}
}

// DeviceCallback receives the outcome of an attach or exchange.
type DeviceCallback func(ports.Device, error)

// DeviceRegistry tracks attached devices. Operations on the same device
// identity run strictly one after another; operations on different devices
// run concurrently. Completions are delivered on the dispatcher.
type DeviceRegistry struct {
	provider   ports.DeviceProvider
	mixer      *Mixer
	dispatcher *Dispatcher
	policy     AttachPolicy
	strategy   domain.AudioSessionStrategy
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attached map[string]ports.Device
	// reserved holds devices admitted but not yet bound.
	reserved map[string]domain.DeviceType
	tails    map[string]chan struct{}
	closed   bool
}

func NewDeviceRegistry(
	provider ports.DeviceProvider,
	mixer *Mixer,
	dispatcher *Dispatcher,
	policy AttachPolicy,
	strategy domain.AudioSessionStrategy,
	logger *zap.SugaredLogger,
) *DeviceRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &DeviceRegistry{
		provider:   provider,
		mixer:      mixer,
		dispatcher: dispatcher,
		policy:     policy,
		strategy:   strategy,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		attached:   make(map[string]ports.Device),
		reserved:   make(map[string]domain.DeviceType),
		tails:      make(map[string]chan struct{}),
	}
	mixer.setUnboundHook(r.releaseUnbound)
	return r
}

// schedule runs op after every earlier operation touching any of keys.
// Registration is atomic, so waits always point at earlier operations and
// cannot form a cycle.
func (r *DeviceRegistry) schedule(keys []string, op func(ctx context.Context)) {
	done := make(chan struct{})

	r.mu.Lock()
	prev := make([]chan struct{}, 0, len(keys))
	for _, k := range keys {
		if t, ok := r.tails[k]; ok {
			prev = append(prev, t)
		}
		r.tails[k] = done
	}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			for _, k := range keys {
				if r.tails[k] == done {
					delete(r.tails, k)
				}
			}
			r.mu.Unlock()
			close(done)
		}()
		for _, p := range prev {
			<-p
		}
		op(r.ctx)
	}()
}

func (r *DeviceRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *DeviceRegistry) deliver(cb DeviceCallback, dev ports.Device, err error) {
	if cb == nil {
		if err != nil {
			r.logger.Warnw("device operation failed", "error", err)
		}
		return
	}
	r.dispatcher.Dispatch(func() { cb(dev, err) })
}

// Attach resolves desc through the provider and binds the opened device to
// slot, or to the first compatible slot when slot is empty.
func (r *DeviceRegistry) Attach(desc domain.DeviceDescriptor, slot string, cb DeviceCallback) {
	r.schedule([]string{desc.URN}, func(ctx context.Context) {
		dev, err := r.attach(ctx, desc, slot)
		if err != nil {
			r.logger.Infow("attach failed", "device", desc.URN, "error", err)
		} else {
			r.logger.Infow("device attached", "device", desc.URN, "tag", dev.Tag())
		}
		r.deliver(cb, dev, err)
	})
}

func (r *DeviceRegistry) attach(ctx context.Context, desc domain.DeviceDescriptor, slot string) (ports.Device, error) {
	if err := r.admit(desc); err != nil {
		return nil, err
	}
	defer r.unreserve(desc.URN)
	if err := r.resolve(ctx, desc); err != nil {
		return nil, err
	}
	handle, err := r.provider.Open(ctx, desc)
	if err != nil {
		return nil, openError(desc, err)
	}
	dev := newCaptureDevice(desc, handle)
	if err := r.bind(dev, slot); err != nil {
		_ = handle.Close()
		return nil, err
	}
	return dev, nil
}

// AttachDevice binds an already constructed device, such as a custom source.
func (r *DeviceRegistry) AttachDevice(dev ports.Device, slot string, cb DeviceCallback) {
	desc := dev.Descriptor()
	r.schedule([]string{desc.URN}, func(ctx context.Context) {
		err := r.admit(desc)
		if err == nil {
			err = r.bind(dev, slot)
			r.unreserve(desc.URN)
		}
		if err != nil {
			r.deliver(cb, nil, err)
			return
		}
		r.deliver(cb, dev, nil)
	})
}

// admit checks desc against the attach policy and reserves it until the
// caller unreserves. Devices still being opened count as attached, so
// concurrent attaches of different URNs cannot both pass.
func (r *DeviceRegistry) admit(desc domain.DeviceDescriptor) error {
	if desc.Type == domain.DeviceTypeUnknown || desc.Type.Category() == domain.StreamKindNone {
		return domain.ErrUnsupportedDeviceType.WithSource(desc.URN)
	}
	if desc.Type == domain.DeviceTypeMicrophone && !r.strategy.AllowsMicrophone() {
		return domain.ErrInvalidAudioSessionStrategy.WithSource(desc.URN)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrSessionIsNotReady.WithSource(desc.URN)
	}
	if _, ok := r.attached[desc.URN]; ok {
		return domain.ErrDeviceAlreadyAttached.WithSource(desc.URN)
	}
	if _, ok := r.reserved[desc.URN]; ok {
		return domain.ErrDeviceAlreadyAttached.WithSource(desc.URN)
	}

	external := 0
	for urn, t := range r.occupantsLocked() {
		if urn == desc.URN {
			continue
		}
		if t == desc.Type && !r.policy.AllowMultiplePerType &&
			(t == domain.DeviceTypeCamera || t == domain.DeviceTypeMicrophone) {
			return domain.ErrTypeAlreadyAttached.WithSource(desc.URN)
		}
		if t == domain.DeviceTypeUserAudio {
			external++
		}
	}
	if desc.Type == domain.DeviceTypeUserAudio && r.policy.MaxExternalAudioInputs > 0 &&
		external >= r.policy.MaxExternalAudioInputs {
		return domain.ErrTooManyExternalAudioInputs.WithSource(desc.URN)
	}
	r.reserved[desc.URN] = desc.Type
	return nil
}

// occupantsLocked lists devices that hold or are about to hold a slot.
// Attached devices whose binding was dropped are on their way out and do
// not count.
func (r *DeviceRegistry) occupantsLocked() map[string]domain.DeviceType {
	out := make(map[string]domain.DeviceType, len(r.attached)+len(r.reserved))
	for urn, t := range r.reserved {
		out[urn] = t
	}
	for urn, d := range r.attached {
		if _, bound := r.mixer.bindingOfURN(urn); bound {
			out[urn] = d.Descriptor().Type
		}
	}
	return out
}

func (r *DeviceRegistry) unreserve(urn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, urn)
}

// resolve checks that desc still names a live source.
func (r *DeviceRegistry) resolve(ctx context.Context, desc domain.DeviceDescriptor) error {
	available, err := r.provider.ListAvailable(ctx)
	if err != nil {
		return domain.ErrDeviceNotFound.WithSource(desc.URN).WithCause(err)
	}
	for _, d := range available {
		if d.Equal(desc) {
			return nil
		}
	}
	return domain.ErrDeviceNotFound.WithSource(desc.URN)
}

func (r *DeviceRegistry) bind(dev ports.Device, slot string) error {
	urn := dev.Descriptor().URN
	if _, err := r.mixer.bind(dev, slot); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.mixer.unbindURN(urn)
		return domain.ErrSessionIsNotReady.WithSource(urn)
	}
	r.attached[urn] = dev
	return nil
}

// Detach unbinds and releases dev. Detaching something that is not
// attached is a no-op; cb fires either way.
func (r *DeviceRegistry) Detach(dev ports.Device, cb func()) {
	r.DetachURN(dev.Descriptor().URN, cb)
}

func (r *DeviceRegistry) DetachURN(urn string, cb func()) {
	r.schedule([]string{urn}, func(ctx context.Context) {
		r.detach(urn)
		if cb != nil {
			r.dispatcher.Dispatch(cb)
		}
	})
}

func (r *DeviceRegistry) detach(urn string) {
	r.mu.Lock()
	dev, ok := r.attached[urn]
	delete(r.attached, urn)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.mixer.unbindURN(urn)
	release(dev, r.logger)
	r.logger.Infow("device detached", "device", urn)
}

// releaseUnbound detaches devices that lost their slot outside the
// registry, unless they were bound again in the meantime.
func (r *DeviceRegistry) releaseUnbound(urns []string) {
	for _, urn := range urns {
		urn := urn
		r.schedule([]string{urn}, func(ctx context.Context) {
			if _, bound := r.mixer.bindingOfURN(urn); bound {
				return
			}
			r.detach(urn)
		})
	}
}

// Exchange replaces old with the device described by next, in old's slot.
func (r *DeviceRegistry) Exchange(old ports.Device, next domain.DeviceDescriptor, cb DeviceCallback) {
	oldDesc := old.Descriptor()
	r.schedule([]string{oldDesc.URN, next.URN}, func(ctx context.Context) {
		dev, err := r.exchange(ctx, oldDesc, next)
		if err != nil {
			r.logger.Infow("exchange failed", "from", oldDesc.URN, "to", next.URN, "error", err)
		}
		r.deliver(cb, dev, err)
	})
}

func (r *DeviceRegistry) exchange(ctx context.Context, oldDesc, next domain.DeviceDescriptor) (ports.Device, error) {
	if oldDesc.Type.Category() != next.Type.Category() {
		return nil, domain.ErrDeviceExchangeIncompatibleTypes.WithSource(next.URN)
	}

	r.mu.Lock()
	closed := r.closed
	oldDev, attached := r.attached[oldDesc.URN]
	_, dup := r.attached[next.URN]
	r.mu.Unlock()

	switch {
	case closed:
		return nil, domain.ErrSessionIsNotReady.WithSource(next.URN)
	case !attached:
		return nil, domain.ErrExchangeOldDeviceNotAttached.WithSource(oldDesc.URN)
	case dup:
		return nil, domain.ErrDeviceAlreadyAttached.WithSource(next.URN)
	}
	if next.Type == domain.DeviceTypeMicrophone && !r.strategy.AllowsMicrophone() {
		return nil, domain.ErrInvalidAudioSessionStrategy.WithSource(next.URN)
	}

	if err := r.resolve(ctx, next); err != nil {
		return nil, err
	}
	handle, err := r.provider.Open(ctx, next)
	if err != nil {
		return nil, openError(next, err)
	}
	dev := newCaptureDevice(next, handle)
	slot, err := r.mixer.rebind(oldDesc.URN, dev)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}

	r.mu.Lock()
	delete(r.attached, oldDesc.URN)
	r.attached[next.URN] = dev
	r.mu.Unlock()

	release(oldDev, r.logger)
	r.logger.Infow("device exchanged", "from", oldDesc.URN, "to", next.URN, "slot", slot)
	return dev, nil
}

// AwaitPending blocks until every operation issued before the call has
// completed and its callback has been queued.
func (r *DeviceRegistry) AwaitPending(ctx context.Context) error {
	return waitAll(ctx, r.pending())
}

// AwaitDeviceChanges fires cb on the dispatcher after every operation
// issued before the call, and every completion callback they produced.
func (r *DeviceRegistry) AwaitDeviceChanges(cb func()) {
	waits := r.pending()
	go func() {
		_ = waitAll(context.Background(), waits)
		r.dispatcher.Dispatch(cb)
	}()
}

func (r *DeviceRegistry) pending() []chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	waits := make([]chan struct{}, 0, len(r.tails))
	for _, t := range r.tails {
		waits = append(waits, t)
	}
	return waits
}

func waitAll(ctx context.Context, waits []chan struct{}) error {
	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *DeviceRegistry) Attached() []ports.Device {
	r.mu.Lock()
	out := make([]ports.Device, 0, len(r.attached))
	for _, d := range r.attached {
		out = append(out, d)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor().Less(out[j].Descriptor())
	})
	return out
}

func (r *DeviceRegistry) Lookup(urn string) (ports.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.attached[urn]
	return d, ok
}

// Close rejects new operations, waits for in-flight ones until ctx ends,
// then releases everything still attached. The returned error reports a
// forced teardown.
func (r *DeviceRegistry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	waitErr := r.AwaitPending(ctx)
	if waitErr != nil {
		r.logger.Warnw("device operations still pending at teardown, forcing", "error", waitErr)
	}
	r.cancel()

	r.mu.Lock()
	devices := r.attached
	r.attached = make(map[string]ports.Device)
	r.mu.Unlock()

	for urn, dev := range devices {
		r.mixer.unbindURN(urn)
		release(dev, r.logger)
	}
	return waitErr
}

func release(dev ports.Device, logger *zap.SugaredLogger) {
	if h := handleOf(dev); h != nil {
		if err := h.Close(); err != nil {
			logger.Warnw("failed to release device", "device", dev.Descriptor().URN, "error", err)
		}
	}
}

func openError(desc domain.DeviceDescriptor, err error) error {
	if errors.Is(err, domain.ErrDeviceNotFound) {
		return domain.ErrDeviceNotFound.WithSource(desc.URN).WithCause(err)
	}
	return domain.ErrCouldNotAddAsInput.WithSource(desc.URN).WithCause(err)
}

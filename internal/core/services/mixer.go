package services

import (
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Easing maps linear progress in [0,1] onto curve progress in [0,1].
type Easing func(float64) float64

func LinearEasing(p float64) float64 { return p }

type MixerOptions struct {
	Canvas              domain.ImageSize
	CanvasAspect        domain.AspectMode
	TransparencyEnabled bool
	Slots               []domain.SlotConfiguration
}

// Mixer owns the slot table and the device<->slot bindings. Every
// structural change happens under one lock so readers never see a slot
// without its bindings or the reverse.
type Mixer struct {
	mu         sync.RWMutex
	clock      clock.Clock
	dispatcher *Dispatcher
	logger     *zap.SugaredLogger

	canvas       domain.Size
	canvasAspect domain.AspectMode
	transparency bool
	easing       Easing

	slots    []*mixerSlot
	byName   map[string]*mixerSlot
	bindings map[string]*mixerBinding

	transitionSeq uint64

	// onUnbound hears about devices that lost their slot through Unbind or
	// RemoveSlot. It runs outside the lock.
	onUnbound func(urns []string)
}

type mixerSlot struct {
	cfg   domain.SlotConfiguration
	image string
	audio string
	tr    *slotTransition
}

type slotTransition struct {
	id       uint64
	from     domain.SlotConfiguration
	to       domain.SlotConfiguration
	start    time.Time
	duration time.Duration
	timer    *clock.Timer
}

type mixerBinding struct {
	device ports.Device
	slot   string
	kinds  []domain.StreamKind
}

func NewMixer(opts MixerOptions, clk clock.Clock, dispatcher *Dispatcher, logger *zap.SugaredLogger) (*Mixer, error) {
	m := &Mixer{
		clock:        clk,
		dispatcher:   dispatcher,
		logger:       logger,
		canvas:       domain.Size{Width: float64(opts.Canvas.Width), Height: float64(opts.Canvas.Height)},
		canvasAspect: opts.CanvasAspect,
		transparency: opts.TransparencyEnabled,
		easing:       LinearEasing,
		byName:       make(map[string]*mixerSlot),
		bindings:     make(map[string]*mixerBinding),
	}
	for _, s := range opts.Slots {
		if err := m.AddSlot(s); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetEasing replaces the transition curve. Nil restores linear.
func (m *Mixer) SetEasing(e Easing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e == nil {
		e = LinearEasing
	}
	m.easing = e
}

// Slots returns slot configurations in insertion order. In-flight
// transitions are not reflected; see State for the rendered values.
func (m *Mixer) Slots() []domain.SlotConfiguration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SlotConfiguration, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s.cfg)
	}
	return out
}

func (m *Mixer) Slot(name string) (domain.SlotConfiguration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byName[name]
	if !ok {
		return domain.SlotConfiguration{}, false
	}
	return s.cfg, true
}

func (m *Mixer) AddSlot(cfg domain.SlotConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[cfg.Name()]; exists {
		return domain.ErrDuplicateMixerNames.WithSource(cfg.Name())
	}
	s := &mixerSlot{cfg: cfg}
	m.slots = append(m.slots, s)
	m.byName[cfg.Name()] = s
	return nil
}

func (m *Mixer) setUnboundHook(fn func(urns []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnbound = fn
}

func (m *Mixer) notifyUnbound(urns []string) {
	m.mu.RLock()
	fn := m.onUnbound
	m.mu.RUnlock()
	if fn != nil && len(urns) > 0 {
		fn(urns)
	}
}

// RemoveSlot drops the slot. Devices bound to it lose their binding and,
// inside a session, are detached and released.
func (m *Mixer) RemoveSlot(name string) bool {
	urns, ok := m.removeSlot(name)
	if ok {
		m.notifyUnbound(urns)
	}
	return ok
}

func (m *Mixer) removeSlot(name string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	if s.tr != nil {
		s.tr.timer.Stop()
	}
	var urns []string
	for _, urn := range []string{s.image, s.audio} {
		if urn == "" {
			continue
		}
		if _, bound := m.bindings[urn]; bound {
			delete(m.bindings, urn)
			urns = append(urns, urn)
		}
	}
	delete(m.byName, name)
	for i, candidate := range m.slots {
		if candidate == s {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			break
		}
	}
	m.logger.Debugw("mixer slot removed", "slot", name, "released", len(urns))
	return urns, true
}

// Bind attaches device to slot, or to the first compatible slot when slot
// is empty. It returns the chosen slot name.
func (m *Mixer) Bind(device ports.Device, slot string) (string, bool) {
	name, err := m.bind(device, slot)
	return name, err == nil
}

func (m *Mixer) bind(device ports.Device, slot string) (string, error) {
	desc := device.Descriptor()
	kinds := mixableKinds(desc)
	if len(kinds) == 0 {
		return "", domain.ErrUnsupportedDeviceType.WithSource(desc.URN)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, bound := m.bindings[desc.URN]; bound {
		return "", domain.ErrDeviceAlreadyAttached.WithSource(desc.URN)
	}
	return m.assignLocked(device, kinds, slot)
}

func (m *Mixer) assignLocked(device ports.Device, kinds []domain.StreamKind, slot string) (string, error) {
	desc := device.Descriptor()
	var target *mixerSlot
	if slot != "" {
		s, ok := m.byName[slot]
		if !ok || !s.free(kinds) {
			return "", domain.ErrFoundNoMatchingSlot.WithSource(slot)
		}
		target = s
	} else {
		for _, s := range m.slots {
			if s.accepts(desc.Type, kinds) {
				target = s
				break
			}
		}
		if target == nil {
			return "", domain.ErrFoundNoMatchingSlot.WithSource(desc.URN)
		}
	}

	target.assign(desc.URN, kinds)
	m.bindings[desc.URN] = &mixerBinding{device: device, slot: target.cfg.Name(), kinds: kinds}
	m.logger.Debugw("device bound", "device", desc.URN, "slot", target.cfg.Name())
	return target.cfg.Name(), nil
}

// Move rebinds device to slot, or to the first compatible slot when slot is
// empty. A device that is not bound yet is bound as by Bind. On failure the
// device keeps its previous slot.
func (m *Mixer) Move(device ports.Device, slot string) (string, error) {
	desc := device.Descriptor()
	kinds := mixableKinds(desc)
	if len(kinds) == 0 {
		return "", domain.ErrUnsupportedDeviceType.WithSource(desc.URN)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old, bound := m.bindings[desc.URN]
	if !bound {
		return m.assignLocked(device, kinds, slot)
	}
	if old.slot == slot {
		return slot, nil
	}
	from := m.byName[old.slot]
	from.release(desc.URN)
	delete(m.bindings, desc.URN)

	name, err := m.assignLocked(old.device, old.kinds, slot)
	if err != nil {
		from.assign(desc.URN, old.kinds)
		m.bindings[desc.URN] = old
		return "", err
	}
	return name, nil
}

// Unbind frees device's slot. Inside a session the device is then detached
// and released.
func (m *Mixer) Unbind(device ports.Device) bool {
	urn := device.Descriptor().URN
	if !m.unbindURN(urn) {
		return false
	}
	m.notifyUnbound([]string{urn})
	return true
}

func (m *Mixer) unbindURN(urn string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[urn]
	if !ok {
		return false
	}
	if s, exists := m.byName[b.slot]; exists {
		s.release(urn)
	}
	delete(m.bindings, urn)
	return true
}

// rebind swaps oldURN for next in the same slot under one lock, so the slot
// never observes an empty binding.
func (m *Mixer) rebind(oldURN string, next ports.Device) (string, error) {
	desc := next.Descriptor()
	kinds := mixableKinds(desc)

	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.bindings[oldURN]
	if !ok {
		return "", domain.ErrExchangeOldDeviceNotAttached.WithSource(oldURN)
	}
	if _, bound := m.bindings[desc.URN]; bound {
		return "", domain.ErrDeviceAlreadyAttached.WithSource(desc.URN)
	}
	if !sameKinds(old.kinds, kinds) {
		return "", domain.ErrDeviceExchangeIncompatibleTypes.WithSource(desc.URN)
	}
	s := m.byName[old.slot]
	s.release(oldURN)
	s.assign(desc.URN, kinds)
	delete(m.bindings, oldURN)
	m.bindings[desc.URN] = &mixerBinding{device: next, slot: old.slot, kinds: kinds}
	return old.slot, nil
}

func (m *Mixer) BindingOf(device ports.Device) (string, bool) {
	return m.bindingOfURN(device.Descriptor().URN)
}

func (m *Mixer) bindingOfURN(urn string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[urn]
	if !ok {
		return "", false
	}
	return b.slot, true
}

// DevicesOf returns the URNs bound to slot. A missing slot yields nil and
// false; an unbound slot yields an empty, non-nil slice.
func (m *Mixer) DevicesOf(slot string) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byName[slot]
	if !ok {
		return nil, false
	}
	out := []string{}
	if s.image != "" {
		out = append(out, s.image)
	}
	if s.audio != "" {
		out = append(out, s.audio)
	}
	return out, true
}

// Transition animates slot toward target over duration. A transition
// already running on the slot is dropped, without its completion callback,
// and the new one starts from the slot's pre-transition baseline. Slots with
// nothing bound take the target immediately.
func (m *Mixer) Transition(slot string, target domain.SlotConfiguration, duration time.Duration, onComplete func()) bool {
	if target.Validate() != nil || target.Name() != slot {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byName[slot]
	if !ok {
		return false
	}
	if s.tr != nil {
		s.tr.timer.Stop()
		s.tr = nil
	}

	if duration <= 0 || (s.image == "" && s.audio == "") {
		s.cfg = target
		m.complete(onComplete)
		return true
	}

	m.transitionSeq++
	id := m.transitionSeq
	s.tr = &slotTransition{
		id:       id,
		from:     s.cfg,
		to:       target,
		start:    m.clock.Now(),
		duration: duration,
	}
	s.tr.timer = m.clock.AfterFunc(duration, func() {
		m.finishTransition(slot, id, onComplete)
	})
	return true
}

func (m *Mixer) finishTransition(slot string, id uint64, onComplete func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byName[slot]
	if !ok || s.tr == nil || s.tr.id != id {
		return
	}
	s.cfg = s.tr.to
	s.tr = nil
	m.complete(onComplete)
}

func (m *Mixer) complete(onComplete func()) {
	if onComplete != nil {
		m.dispatcher.Dispatch(onComplete)
	}
}

// State renders slot at the current instant.
func (m *Mixer) State(slot string) (domain.SlotState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byName[slot]
	if !ok {
		return domain.SlotState{}, false
	}
	return m.render(s, m.clock.Now()), true
}

// Layout renders every slot, back to front.
func (m *Mixer) Layout() []domain.SlotState {
	m.mu.RLock()
	now := m.clock.Now()
	out := make([]domain.SlotState, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, m.render(s, now))
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ZIndex < out[j].ZIndex })
	return out
}

func (m *Mixer) Canvas() (domain.Size, domain.AspectMode) {
	return m.canvas, m.canvasAspect
}

func (m *Mixer) render(s *mixerSlot, now time.Time) domain.SlotState {
	cfg := s.cfg
	st := domain.SlotState{
		Name:         cfg.Name(),
		Position:     cfg.Position,
		Size:         cfg.Size(),
		ZIndex:       cfg.ZIndex,
		Aspect:       cfg.Aspect(),
		FillColor:    cfg.FillColor,
		Gain:         cfg.Gain(),
		Transparency: cfg.Transparency(),
		ImageDevice:  s.image,
		AudioDevice:  s.audio,
	}

	if tr := s.tr; tr != nil {
		to := tr.to
		p := float64(now.Sub(tr.start)) / float64(tr.duration)
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		e := m.easing(p)
		st.Position = domain.Point{
			X: lerp(tr.from.Position.X, to.Position.X, e),
			Y: lerp(tr.from.Position.Y, to.Position.Y, e),
		}
		st.Size = domain.Size{
			Width:  lerp(tr.from.Size().Width, to.Size().Width, e),
			Height: lerp(tr.from.Size().Height, to.Size().Height, e),
		}
		st.Gain = lerp(tr.from.Gain(), to.Gain(), e)
		st.Transparency = lerp(tr.from.Transparency(), to.Transparency(), e)
		st.ZIndex = to.ZIndex
		st.Aspect = to.Aspect()
		st.FillColor = to.FillColor
		st.Animating = true
		cfg = to
	}

	if cfg.MatchCanvasSize {
		st.Size = m.canvas
	}
	if cfg.MatchCanvasAspectMode {
		st.Aspect = m.canvasAspect
	}
	if !m.transparency {
		st.Transparency = 0
	}
	return st
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func (s *mixerSlot) free(kinds []domain.StreamKind) bool {
	for _, k := range kinds {
		if k == domain.StreamKindImage && s.image != "" {
			return false
		}
		if k == domain.StreamKindPCM && s.audio != "" {
			return false
		}
	}
	return true
}

func (s *mixerSlot) accepts(t domain.DeviceType, kinds []domain.StreamKind) bool {
	for _, k := range kinds {
		if k == domain.StreamKindImage && s.cfg.PreferredVideoInput != t {
			return false
		}
		if k == domain.StreamKindPCM && s.cfg.PreferredAudioInput != t {
			return false
		}
	}
	return s.free(kinds)
}

func (s *mixerSlot) assign(urn string, kinds []domain.StreamKind) {
	for _, k := range kinds {
		switch k {
		case domain.StreamKindImage:
			s.image = urn
		case domain.StreamKindPCM:
			s.audio = urn
		}
	}
}

func (s *mixerSlot) release(urn string) {
	if s.image == urn {
		s.image = ""
	}
	if s.audio == urn {
		s.audio = ""
	}
}

func mixableKinds(desc domain.DeviceDescriptor) []domain.StreamKind {
	var kinds []domain.StreamKind
	if desc.HasStream(domain.StreamKindImage) {
		kinds = append(kinds, domain.StreamKindImage)
	}
	if desc.HasStream(domain.StreamKindPCM) {
		kinds = append(kinds, domain.StreamKindPCM)
	}
	return kinds
}

func sameKinds(a, b []domain.StreamKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

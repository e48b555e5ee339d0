// Copyright 2025 VoiceLearn
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package idle maintains the daemon's energy tier. Activity and elapsed time
// move the tier through active, warm, cool, cold, and dormant; transitions
// unload upstream models on the way down and pre-warm on the way up.
package idle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/voicelearn/mgmtd/internal/clock"
	"github.com/voicelearn/mgmtd/internal/events"
	"github.com/voicelearn/mgmtd/internal/logs"
)

// CheckInterval is the timer-driven evaluation cadence.
const CheckInterval = 10 * time.Second

const historyCap = 100

// Handler observes tier transitions. A handler error is logged and does not
// affect the transition or other handlers.
type Handler interface {
	OnTransition(old, new Tier) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(old, new Tier) error

func (f HandlerFunc) OnTransition(old, new Tier) error { return f(old, new) }

// Transition is one recorded tier change.
type Transition struct {
	Timestamp   float64 `json:"timestamp"`
	FromState   string  `json:"from_state"`
	ToState     string  `json:"to_state"`
	IdleSeconds float64 `json:"idle_seconds"`
	Trigger     string  `json:"trigger"` // timeout, activity, keep_awake, manual
}

// NextTransition names the upcoming timer-driven tier change.
type NextTransition struct {
	State            string  `json:"state"`
	SecondsRemaining float64 `json:"seconds_remaining"`
}

// Status is the API view of the manager.
type Status struct {
	Enabled            bool            `json:"enabled"`
	CurrentState       string          `json:"current_state"`
	CurrentMode        string          `json:"current_mode"`
	SecondsIdle        float64         `json:"seconds_idle"`
	LastActivityType   string          `json:"last_activity_type"`
	LastActivityTime   float64         `json:"last_activity_time"`
	Thresholds         Thresholds      `json:"thresholds"`
	KeepAwakeRemaining float64         `json:"keep_awake_remaining"`
	NextStateIn        *NextTransition `json:"next_state_in"`
}

// Manager owns the energy tier.
type Manager struct {
	log      logs.StructuredLogger
	clock    clock.Clock
	sink     events.Sink
	profiles *ProfileStore
	tts      TTSController
	llm      LLMController

	// transMu serializes transitions so only one is in flight.
	transMu sync.Mutex

	mu               sync.Mutex
	current          Tier
	lastActivity     time.Time
	lastActivityType string
	mode             string
	enabled          bool
	thresholds       Thresholds
	keepAwakeUntil   time.Time
	history          []Transition
	handlers         map[Tier][]Handler
	globalHandlers   []Handler
}

// NewManager starts in the balanced profile at tier active.
func NewManager(log logs.StructuredLogger, c clock.Clock, sink events.Sink, profiles *ProfileStore, tts TTSController, llm LLMController) *Manager {
	balanced, _ := profiles.Get("balanced")
	return &Manager{
		log:          log,
		clock:        c,
		sink:         sink,
		profiles:     profiles,
		tts:          tts,
		llm:          llm,
		current:      TierActive,
		lastActivity: c.Now(),
		mode:         "balanced",
		enabled:      balanced.Enabled,
		thresholds:   balanced.Thresholds,
		handlers:     make(map[Tier][]Handler),
	}
}

// Run drives the timer evaluation until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.log.Infof("idle manager started, check interval %s", CheckInterval)
	clock.Loop(ctx, m.clock, CheckInterval, func(time.Time) {
		m.Evaluate()
	})
	m.log.Infof("idle manager stopped")
}

// Evaluate performs one timer pass: expire keep-awake, compute the target
// tier from idle time, transition if it changed.
func (m *Manager) Evaluate() {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	if !m.keepAwakeUntil.IsZero() {
		if now.Before(m.keepAwakeUntil) {
			m.mu.Unlock()
			return
		}
		m.keepAwakeUntil = time.Time{}
		m.log.Infof("keep-awake expired")
	}
	idle := now.Sub(m.lastActivity).Seconds()
	target := m.thresholds.tierFor(idle)
	current := m.current
	m.mu.Unlock()

	if target != current {
		m.transitionTo(target, "timeout")
	}
}

// RecordActivity resets the idle timer. If the daemon was idle the tier
// returns to active immediately; a disabled profile suppresses only the
// timer-driven transitions, never the activity wake.
func (m *Manager) RecordActivity(kind string) {
	now := m.clock.Now()

	m.mu.Lock()
	m.lastActivity = now
	m.lastActivityType = kind
	wake := m.current != TierActive
	from := m.current
	m.mu.Unlock()

	if wake {
		m.log.Infof("activity detected (%s), waking from %s", kind, from)
		m.transitionTo(TierActive, "activity")
	}
}

// KeepAwake suppresses timer-driven transitions for the duration and forces
// the tier to active.
func (m *Manager) KeepAwake(d time.Duration) {
	m.mu.Lock()
	m.keepAwakeUntil = m.clock.Now().Add(d)
	wake := m.current != TierActive
	m.mu.Unlock()

	m.log.Infof("keeping awake for %s", d)
	if wake {
		m.transitionTo(TierActive, "keep_awake")
	}
}

// CancelKeepAwake clears the override.
func (m *Manager) CancelKeepAwake() {
	m.mu.Lock()
	m.keepAwakeUntil = time.Time{}
	m.mu.Unlock()
	m.log.Infof("keep-awake cancelled")
}

// ForceTier transitions unconditionally.
func (m *Manager) ForceTier(t Tier) {
	m.transitionTo(t, "manual")
}

// CurrentTier returns the tier without side effects.
func (m *Manager) CurrentTier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// RegisterHandler observes entries into one tier.
func (m *Manager) RegisterHandler(t Tier, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = append(m.handlers[t], h)
}

// RegisterGlobalHandler observes every transition.
func (m *Manager) RegisterGlobalHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.globalHandlers = append(m.globalHandlers, h)
}

// SetMode selects a profile by id.
func (m *Manager) SetMode(id string) error {
	p, ok := m.profiles.Get(id)
	if !ok {
		return ErrProfileNotFound
	}
	m.mu.Lock()
	m.mode = id
	m.enabled = p.Enabled
	m.thresholds = p.Thresholds
	m.mu.Unlock()
	m.log.Infof("power mode set to %s", id)
	return nil
}

// SetThresholds installs ad-hoc thresholds under the "custom" mode label.
func (m *Manager) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mode = "custom"
	m.mu.Unlock()
	m.log.Infof("custom thresholds installed")
}

// Profiles exposes the profile store.
func (m *Manager) Profiles() *ProfileStore { return m.profiles }

// DeleteProfile removes a custom profile; deleting the active one reverts the
// mode to balanced.
func (m *Manager) DeleteProfile(id string) error {
	if err := m.profiles.Delete(id); err != nil {
		return err
	}
	m.mu.Lock()
	active := m.mode == id
	m.mu.Unlock()
	if active {
		return m.SetMode("balanced")
	}
	return nil
}

// Mode returns the active profile id.
func (m *Manager) Mode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Status returns the API view.
func (m *Manager) Status() Status {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	idle := now.Sub(m.lastActivity).Seconds()
	var keepAwake float64
	if !m.keepAwakeUntil.IsZero() {
		keepAwake = math.Max(0, m.keepAwakeUntil.Sub(now).Seconds())
	}
	s := Status{
		Enabled:            m.enabled,
		CurrentState:       string(m.current),
		CurrentMode:        m.mode,
		SecondsIdle:        round1(idle),
		LastActivityType:   m.lastActivityType,
		LastActivityTime:   unix(m.lastActivity),
		Thresholds:         m.thresholds,
		KeepAwakeRemaining: round1(keepAwake),
	}
	if m.enabled {
		for _, step := range []struct {
			threshold int
			tier      Tier
		}{
			{m.thresholds.Warm, TierWarm},
			{m.thresholds.Cool, TierCool},
			{m.thresholds.Cold, TierCold},
			{m.thresholds.Dormant, TierDormant},
		} {
			if idle < float64(step.threshold) {
				s.NextStateIn = &NextTransition{
					State:            string(step.tier),
					SecondsRemaining: round1(float64(step.threshold) - idle),
				}
				break
			}
		}
	}
	return s
}

// History returns the most recent limit transitions, oldest-first.
func (m *Manager) History(limit int) []Transition {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Transition(nil), h...)
}

// transitionTo performs one serialized tier change: record it, run the
// built-in side effects, then notify handlers. Side-effect and handler
// failures never abort the transition.
func (m *Manager) transitionTo(target Tier, trigger string) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	now := m.clock.Now()

	m.mu.Lock()
	old := m.current
	if old == target {
		m.mu.Unlock()
		return
	}
	tr := Transition{
		Timestamp:   unix(now),
		FromState:   string(old),
		ToState:     string(target),
		IdleSeconds: round1(now.Sub(m.lastActivity).Seconds()),
		Trigger:     trigger,
	}
	m.history = append(m.history, tr)
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.current = target
	tierHandlers := append([]Handler(nil), m.handlers[target]...)
	globalHandlers := append([]Handler(nil), m.globalHandlers...)
	m.mu.Unlock()

	m.log.Infof("tier %s -> %s (%s)", old, target, trigger)
	m.runSideEffects(old, target)

	for _, h := range tierHandlers {
		m.invokeHandler(h, old, target)
	}
	for _, h := range globalHandlers {
		m.invokeHandler(h, old, target)
	}

	if m.sink != nil {
		m.sink.Broadcast(events.TypeIdleTransition, tr)
	}
}

func (m *Manager) invokeHandler(h Handler, old, target Tier) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorf("tier handler panic: %v", r)
		}
	}()
	if err := h.OnTransition(old, target); err != nil {
		m.log.Errorf("tier handler: %v", err)
	}
}

// runSideEffects unloads models when deepening and pre-warms when waking out
// of deep idle. The LLM runtime is never pre-warmed; it loads on demand.
func (m *Manager) runSideEffects(old, target Tier) {
	ctx := context.Background()

	switch {
	case target.Level() > old.Level():
		switch target {
		case TierCool:
			m.log.Infof("entering cool, unloading TTS model")
			m.unloadTTS(ctx)
		case TierCold, TierDormant:
			m.log.Infof("entering %s, unloading all models", target)
			m.unloadTTS(ctx)
			m.unloadLLM(ctx)
		}
	case old == TierCold || old == TierDormant:
		m.log.Infof("waking from deep idle, pre-warming TTS")
		go m.preWarm(ctx)
	}
}

func (m *Manager) unloadTTS(ctx context.Context) {
	if m.tts == nil {
		return
	}
	if err := m.tts.Unload(ctx); err != nil {
		m.log.Debugf("tts unload: %v", err)
	}
}

func (m *Manager) unloadLLM(ctx context.Context) {
	if m.llm == nil {
		return
	}
	if err := m.llm.UnloadAll(ctx); err != nil {
		m.log.Debugf("llm unload: %v", err)
	}
}

func (m *Manager) preWarm(ctx context.Context) {
	if m.tts == nil {
		return
	}
	if err := m.tts.Load(ctx); err != nil {
		m.log.Debugf("tts pre-warm: %v", err)
	}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

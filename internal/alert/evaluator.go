package alert

import (
	"errors"
	"sync"
	"time"

	"github.com/edgegw/gateway/internal/frame"
	"github.com/google/uuid"
)

var (
	// ErrUnknownEvent is returned by Ack/Resolve for an id with no
	// matching event.
	ErrUnknownEvent = errors.New("alert: unknown event id")
	// ErrEventNotFiring is returned by Ack when the event has already
	// left the Firing state.
	ErrEventNotFiring = errors.New("alert: event is not firing")
)

type deviceTag struct {
	device string
	tag    string
}

// ruleState is the evaluator's per-rule bookkeeping: throttle clock,
// the currently firing event (if any), and the silence watermark.
type ruleState struct {
	rule           Rule
	lastEval       time.Time
	firingEventID  string
	lastResolvedAt time.Time
}

// Evaluator runs the per-rule evaluation algorithm against the live telemetry
// stream. It is safe for concurrent use; a single instance typically
// subscribes to the whole bus's Data frames.
type Evaluator struct {
	mu      sync.Mutex
	rules   map[string]*ruleState
	samples map[deviceTag][]*ruleState // index for fast rule lookup per tag
	rings   map[deviceTag]*sampleRing
	events  map[string]*Event
	newID   func() string
	now     func() time.Time
}

// New builds an empty Evaluator with the given rule set.
func New(rules []Rule) *Evaluator {
	e := &Evaluator{
		rules:   make(map[string]*ruleState),
		samples: make(map[deviceTag][]*ruleState),
		rings:   make(map[deviceTag]*sampleRing),
		events:  make(map[string]*Event),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, r := range rules {
		e.addRuleLocked(r)
	}
	return e
}

func (e *Evaluator) addRuleLocked(r Rule) {
	rs := &ruleState{rule: r}
	e.rules[r.ID] = rs
	key := r.tag()
	e.samples[key] = append(e.samples[key], rs)
	if _, ok := e.rings[key]; !ok {
		e.rings[key] = &sampleRing{}
	}
}

// Ingest feeds a telemetry frame into the evaluator, updating the
// sample ring for its (device,tag) and re-evaluating every rule bound
// to it. Non-telemetry frames and frames with no numeric projection are
// ignored.
func (e *Evaluator) Ingest(f frame.Frame) []Event {
	device, tag, ok := frame.ParseTelemetryTag(f.Tag)
	if !ok {
		return nil
	}
	value, ok := f.Value.AsFloat()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := deviceTag{device: device, tag: tag}
	ring, ok := e.rings[key]
	if !ok {
		return nil // no rule is bound to this (device,tag); don't bother tracking it
	}
	ts := f.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ring.push(sample{value: value, at: ts})

	var changed []Event
	for _, rs := range e.samples[key] {
		if ev := e.evaluateRule(rs, ring, ts); ev != nil {
			changed = append(changed, *ev)
		}
	}
	return changed
}

// evaluateRule runs the six-step evaluation algorithm for one rule against
// the sample just pushed into ring, returning the event that changed
// state (opened or auto-resolved), or nil otherwise. A firing event whose
// predicate still holds has its LastValue updated and yields nil.
func (e *Evaluator) evaluateRule(rs *ruleState, ring *sampleRing, now time.Time) *Event {
	latest, ok := ring.latest()
	if !ok {
		return nil
	}
	value := latest.value

	if rs.firingEventID != "" {
		// Already firing: only watch for the predicate clearing.
		ev := e.events[rs.firingEventID]
		rs.lastEval = now
		if rs.rule.Comparator.evaluate(value, rs.rule.Threshold) {
			ev.LastValue = value
			return nil
		}
		ev.State = EventResolved
		ev.ResolvedAt = now
		rs.lastResolvedAt = now
		rs.firingEventID = ""
		return ev
	}

	// Step 1: silence window since the rule last resolved.
	if rs.rule.SilenceFor > 0 && !rs.lastResolvedAt.IsZero() && now.Sub(rs.lastResolvedAt) < rs.rule.SilenceFor {
		return nil
	}
	// Step 2: eval_every throttle.
	if rs.rule.EvalEvery > 0 && !rs.lastEval.IsZero() && now.Sub(rs.lastEval) < rs.rule.EvalEvery {
		return nil
	}
	rs.lastEval = now

	// Step 3: predicate.
	if !rs.rule.Comparator.evaluate(value, rs.rule.Threshold) {
		return nil
	}

	// Step 4: eval_for sustained-window check.
	if !sustained(ring, rs.rule, now) {
		return nil
	}

	// Step 5: open.
	ev := &Event{
		ID: e.newID(), RuleID: rs.rule.ID, DeviceID: rs.rule.DeviceID, TagID: rs.rule.TagID,
		Severity: rs.rule.Severity, Message: rs.rule.Message, State: EventFiring,
		OpenedAt: now, LastValue: value,
	}
	rs.firingEventID = ev.ID
	e.events[ev.ID] = ev
	return ev
}

// sustained reports whether rule's predicate has held for at least two
// samples within the EvalFor window ending at now. A zero EvalFor
// requires no sustained window: the single qualifying sample suffices.
func sustained(ring *sampleRing, rule Rule, now time.Time) bool {
	if rule.EvalFor <= 0 {
		return true
	}
	cutoff := now.Add(-rule.EvalFor)
	samples := ring.last(maxSamples)
	count := 0
	for i := len(samples) - 1; i >= 0; i-- {
		s := samples[i]
		if s.at.Before(cutoff) {
			break
		}
		if !rule.Comparator.evaluate(s.value, rule.Threshold) {
			return false
		}
		count++
	}
	return count >= 2
}

// Ack transitions a firing event to Acked, recording the ack time but
// leaving it open (it still resolves automatically once the predicate
// clears, or manually via Resolve).
func (e *Evaluator) Ack(eventID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[eventID]
	if !ok {
		return ErrUnknownEvent
	}
	if ev.State != EventFiring {
		return ErrEventNotFiring
	}
	ev.State = EventAcked
	ev.AckedAt = e.now()
	return nil
}

// Resolve manually closes an event regardless of whether the predicate
// still holds, clearing its rule's firing watermark and starting its
// silence window.
func (e *Evaluator) Resolve(eventID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[eventID]
	if !ok {
		return ErrUnknownEvent
	}
	now := e.now()
	ev.State = EventResolved
	ev.ResolvedAt = now
	if rs, ok := e.rules[ev.RuleID]; ok && rs.firingEventID == eventID {
		rs.firingEventID = ""
		rs.lastResolvedAt = now
	}
	return nil
}

// Event returns a snapshot of one event by id.
func (e *Evaluator) Event(id string) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	if !ok {
		return Event{}, false
	}
	return *ev, true
}

// FiringEvents returns a snapshot of every currently firing (or acked
// but unresolved) event.
func (e *Evaluator) FiringEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.State != EventResolved {
			out = append(out, *ev)
		}
	}
	return out
}

// Reload replaces the rule set. Any rule removed by this reload whose
// event is currently firing is auto-resolved, per the reload
// semantics: a rule that no longer exists can't keep an alert open.
func (e *Evaluator) Reload(rules []Rule) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	keep := make(map[string]bool, len(rules))
	for _, r := range rules {
		keep[r.ID] = true
	}

	var resolved []Event
	for id, rs := range e.rules {
		if keep[id] {
			continue
		}
		if rs.firingEventID != "" {
			ev := e.events[rs.firingEventID]
			ev.State = EventResolved
			ev.ResolvedAt = e.now()
			resolved = append(resolved, *ev)
		}
		delete(e.rules, id)
	}

	// Rebuild the rule index but keep existing sample rings so an
	// unaffected rule's sustained-window history survives the reload.
	e.samples = make(map[deviceTag][]*ruleState)
	for _, r := range rules {
		if rs, ok := e.rules[r.ID]; ok {
			rs.rule = r
		} else {
			e.addRuleLocked(r)
		}
		key := r.tag()
		e.samples[key] = append(e.samples[key], e.rules[r.ID])
		if _, ok := e.rings[key]; !ok {
			e.rings[key] = &sampleRing{}
		}
	}
	return resolved
}

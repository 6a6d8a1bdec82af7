// Package frbc implements the Fill-Rate-Based Control strategy (C8):
// the per-tick search over actuator operation modes that steers an
// RM's storage fill level toward its target profile.
package frbc

import (
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s2flex/s2mitm/internal/s2"
)

// OMStepResolution is the granularity of the operation-mode-factor
// search grid, documented per spec as a performance/accuracy knob.
const OMStepResolution = 0.001

// DelayInInstructions offsets an Instruction's execution_time from the
// tick's t_start, mirroring the two-second lead time the reference
// implementation gives an RM to act on an instruction.
const DelayInInstructions = 2 * time.Second

// Sender delivers an Instruction to the RM and waits for its
// ReceptionStatus, matching the C5 send_and_await contract.
type Sender interface {
	SendInstruction(instr s2.Instruction) error
}

// Strategy holds one RM's FRBC state (spec §3) and runs the tick
// algorithm in spec §4.8.
type Strategy struct {
	mu sync.Mutex

	systemDescriptions []s2.SystemDescription
	actuatorStatusByID map[string]s2.ActuatorStatus
	targetProfiles     []s2.FillLevelTargetProfile
	leakageBehaviours  []s2.LeakageBehaviour
	usageForecasts     []s2.UsageForecast
	instructionsSent   []s2.Instruction
	lastKnownFillLevel *float64

	sender Sender
	logger *slog.Logger
}

func New(sender Sender, logger *slog.Logger) *Strategy {
	return &Strategy{
		actuatorStatusByID: make(map[string]s2.ActuatorStatus),
		sender:             sender,
		logger:             logger,
	}
}

// Receive updates FRBC state from one forwarded S2 payload. Unknown
// message types are ignored; this strategy only reacts to FRBC.*.
func (s *Strategy) Receive(payload map[string]any) {
	msgType, _ := payload["message_type"].(string)

	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("frbc: failed to remarshal payload", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msgType {
	case "FRBC.SystemDescription":
		var m s2.SystemDescription
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("frbc: invalid SystemDescription", "error", err)
			return
		}
		s.systemDescriptions = append(s.systemDescriptions, m)
		sort.Slice(s.systemDescriptions, func(i, j int) bool {
			return s.systemDescriptions[i].ValidFrom < s.systemDescriptions[j].ValidFrom
		})

	case "FRBC.ActuatorStatus":
		var m s2.ActuatorStatus
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("frbc: invalid ActuatorStatus", "error", err)
			return
		}
		s.actuatorStatusByID[m.ActuatorID] = m

	case "FRBC.StorageStatus":
		var m s2.StorageStatus
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("frbc: invalid StorageStatus", "error", err)
			return
		}
		level := m.PresentFillLevel
		s.lastKnownFillLevel = &level

	case "FRBC.FillLevelTargetProfile":
		var m s2.FillLevelTargetProfile
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("frbc: invalid FillLevelTargetProfile", "error", err)
			return
		}
		s.targetProfiles = append(s.targetProfiles, m)
		sort.Slice(s.targetProfiles, func(i, j int) bool {
			return s.targetProfiles[i].StartTime < s.targetProfiles[j].StartTime
		})

	case "FRBC.LeakageBehaviour":
		var m s2.LeakageBehaviour
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("frbc: invalid LeakageBehaviour", "error", err)
			return
		}
		s.leakageBehaviours = append(s.leakageBehaviours, m)
		sort.Slice(s.leakageBehaviours, func(i, j int) bool {
			return s.leakageBehaviours[i].ValidFrom < s.leakageBehaviours[j].ValidFrom
		})

	case "FRBC.UsageForecast":
		var m s2.UsageForecast
		if err := json.Unmarshal(raw, &m); err != nil {
			s.logger.Warn("frbc: invalid UsageForecast", "error", err)
			return
		}
		s.usageForecasts = append(s.usageForecasts, m)
		sort.Slice(s.usageForecasts, func(i, j int) bool {
			return s.usageForecasts[i].StartTime < s.usageForecasts[j].StartTime
		})
	}
}

// Tick runs the operation-mode search for [tStart, tEnd) and, if a
// target can be determined, emits and sends one Instruction per
// actuator involved in the winning combination. The sends run
// concurrently and Tick returns once every one of them has finished.
func (s *Strategy) Tick(tStart, tEnd time.Time) {
	s.mu.Lock()

	sysDesc := s.latestSystemDescription(tStart)
	if sysDesc == nil {
		s.mu.Unlock()
		s.logger.Debug("frbc: no active system description, skipping tick")
		return
	}

	if s.lastKnownFillLevel == nil {
		s.mu.Unlock()
		s.logger.Debug("frbc: no known fill level yet, skipping tick")
		return
	}
	fillLevelStart := *s.lastKnownFillLevel

	profile := s.latestTargetProfile(tEnd)
	if profile == nil {
		s.mu.Unlock()
		s.logger.Debug("frbc: no active target profile, skipping tick")
		return
	}

	targetRangeEnd := expectedFillLevelAtEndOfTimestep(*profile, tEnd, fillLevelStart)
	expectedUsage := s.expectedUsage(tStart, tEnd)
	expectedLeakage := s.expectedLeakage(fillLevelStart)

	durationSeconds := tEnd.Sub(tStart).Seconds()
	fillIfIdle := fillLevelStart + expectedUsage + expectedLeakage
	actuate := actuationTarget(fillIfIdle, targetRangeEnd)

	actuators := sysDesc.Actuators
	statusByID := make(map[string]s2.ActuatorStatus, len(s.actuatorStatusByID))
	for k, v := range s.actuatorStatusByID {
		statusByID[k] = v
	}
	s.mu.Unlock()

	if len(actuators) == 0 {
		return
	}

	perActuator := make([][]candidate, 0, len(actuators))
	for _, act := range actuators {
		cands := reachableCandidates(act, statusByID[act.ID], fillLevelStart)
		if len(cands) == 0 {
			return
		}
		perActuator = append(perActuator, cands)
	}

	best, bestErr := searchBestCombination(perActuator, actuate, durationSeconds)
	if best == nil {
		return
	}
	_ = bestErr

	executionTime := tStart.Add(DelayInInstructions)

	var wg sync.WaitGroup
	s.mu.Lock()
	for _, c := range best {
		instr := s2.Instruction{
			MessageType:         "FRBC.Instruction",
			MessageID:           uuid.NewString(),
			ID:                  uuid.NewString(),
			ActuatorID:          c.actuatorID,
			OperationMode:       c.omID,
			OperationModeFactor: c.factor,
			ExecutionTime:       executionTime.Format(time.RFC3339),
			AbnormalCondition:   false,
		}
		s.instructionsSent = append(s.instructionsSent, instr)
		s.mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sendOne(instr)
		}()
		s.mu.Lock()
	}
	s.mu.Unlock()
	wg.Wait()
}

func (s *Strategy) sendOne(instr s2.Instruction) {
	if err := s.sender.SendInstruction(instr); err != nil {
		s.logger.Warn("frbc: instruction send_and_await failed", "instruction_id", instr.ID, "error", err)
	}
}

func (s *Strategy) latestSystemDescription(tStart time.Time) *s2.SystemDescription {
	var best *s2.SystemDescription
	for i := range s.systemDescriptions {
		sd := &s.systemDescriptions[i]
		validFrom, err := time.Parse(time.RFC3339, sd.ValidFrom)
		if err != nil || validFrom.After(tStart) {
			continue
		}
		best = sd
	}
	return best
}

func (s *Strategy) latestTargetProfile(tEnd time.Time) *s2.FillLevelTargetProfile {
	var best *s2.FillLevelTargetProfile
	for i := range s.targetProfiles {
		p := &s.targetProfiles[i]
		start, err := time.Parse(time.RFC3339, p.StartTime)
		if err != nil || start.After(tEnd) {
			continue
		}
		best = p
	}
	return best
}

// expectedFillLevelAtEndOfTimestep walks profile elements from its
// start_time and returns the fill_level_range of the first element
// whose [start, start+duration] span contains tEnd (so a tick ending
// exactly where an element ends is scored against that element), or
// [fillLevelStart, fillLevelStart] if none covers it.
func expectedFillLevelAtEndOfTimestep(profile s2.FillLevelTargetProfile, tEnd time.Time, fillLevelStart float64) s2.NumericalRange {
	start, err := time.Parse(time.RFC3339, profile.StartTime)
	if err != nil {
		return s2.NumericalRange{StartOfRange: fillLevelStart, EndOfRange: fillLevelStart}
	}

	cursor := start
	for _, el := range profile.Elements {
		elEnd := cursor.Add(time.Duration(el.Duration) * time.Second)
		if !tEnd.Before(cursor) && !tEnd.After(elEnd) {
			return el.FillLevelRange
		}
		cursor = elEnd
	}
	return s2.NumericalRange{StartOfRange: fillLevelStart, EndOfRange: fillLevelStart}
}

func (s *Strategy) expectedUsage(tStart, tEnd time.Time) float64 {
	var total float64
	for _, forecast := range s.usageForecasts {
		start, err := time.Parse(time.RFC3339, forecast.StartTime)
		if err != nil {
			continue
		}
		cursor := start
		for _, el := range forecast.Elements {
			elEnd := cursor.Add(time.Duration(el.Duration) * time.Millisecond)
			overlap := overlapSeconds(cursor, elEnd, tStart, tEnd)
			total += overlap * el.UsageRateExpected
			cursor = elEnd
		}
	}
	return total
}

func overlapSeconds(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if end.Before(start) {
		return 0
	}
	return end.Sub(start).Seconds()
}

func (s *Strategy) expectedLeakage(fillLevelStart float64) float64 {
	for i := len(s.leakageBehaviours) - 1; i >= 0; i-- {
		for _, el := range s.leakageBehaviours[i].Elements {
			if el.FillLevelRange.Contains(fillLevelStart) {
				return el.LeakageRate
			}
		}
	}
	return 0
}

// actuationTarget is 0 if fillIfIdle already sits inside targetRange,
// otherwise the signed delta to the nearest edge.
func actuationTarget(fillIfIdle float64, targetRange s2.NumericalRange) float64 {
	if fillIfIdle >= targetRange.StartOfRange && fillIfIdle <= targetRange.EndOfRange {
		return 0
	}
	if fillIfIdle < targetRange.StartOfRange {
		return targetRange.StartOfRange - fillIfIdle
	}
	return targetRange.EndOfRange - fillIfIdle
}

type candidate struct {
	actuatorID string
	omID       string
	element    s2.OperationModeElement
	factor     float64
}

// reachableCandidates enumerates every (operation mode, factor) an
// actuator could be commanded into this tick: the currently active OM
// plus any OM reachable via a transition from it, each restricted to
// the element whose fill_level_range contains fillLevelStart, each
// stepped across that element's own fill_level_range bounds at
// OMStepResolution (spec.md §4.8 step 8; matches the original's
// choose_operation_modes_to_reach_fill_level_target, which draws
// begin_factor/end_factor from the element's fill_level_range rather
// than a fixed [0,1] domain).
func reachableCandidates(act s2.Actuator, status s2.ActuatorStatus, fillLevelStart float64) []candidate {
	reachable := map[string]bool{}
	if status.ActiveOperationModeID != "" {
		reachable[status.ActiveOperationModeID] = true
	}
	for _, t := range act.Transitions {
		if t.From == status.ActiveOperationModeID {
			reachable[t.To] = true
		}
	}
	if len(reachable) == 0 {
		// No status observed yet: every OM is a candidate starting point.
		for _, om := range act.OperationModes {
			reachable[om.ID] = true
		}
	}

	var out []candidate
	for _, om := range act.OperationModes {
		if !reachable[om.ID] {
			continue
		}
		var activeEl *s2.OperationModeElement
		for i := range om.Elements {
			if om.Elements[i].FillLevelRange.Contains(fillLevelStart) {
				activeEl = &om.Elements[i]
				break
			}
		}
		if activeEl == nil {
			continue
		}
		begin := activeEl.FillLevelRange.StartOfRange
		end := activeEl.FillLevelRange.EndOfRange
		for factor := begin; factor <= end+1e-9; factor += OMStepResolution {
			f := factor
			if f > end {
				f = end
			}
			out = append(out, candidate{actuatorID: act.ID, omID: om.ID, element: *activeEl, factor: f})
		}
	}
	return out
}

func fillRate(el s2.OperationModeElement, factor float64) float64 {
	return el.FillRate.StartOfRange + factor*(el.FillRate.EndOfRange-el.FillRate.StartOfRange)
}

// searchBestCombination enumerates the Cartesian product across
// actuators' candidate lists and returns the combination minimizing
// |actuate - would_actuate|, ties broken by first occurrence.
func searchBestCombination(perActuator [][]candidate, actuate, durationSeconds float64) ([]candidate, float64) {
	var best []candidate
	bestErr := math.Inf(1)

	current := make([]candidate, len(perActuator))
	var recurse func(idx int, wouldActuate float64)
	recurse = func(idx int, wouldActuate float64) {
		if idx == len(perActuator) {
			diff := math.Abs(actuate - wouldActuate)
			if diff < bestErr {
				bestErr = diff
				best = append([]candidate(nil), current...)
			}
			return
		}
		for _, c := range perActuator[idx] {
			current[idx] = c
			recurse(idx+1, wouldActuate+fillRate(c.element, c.factor)*durationSeconds)
		}
	}
	recurse(0, 0)
	return best, bestErr
}

package mining

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/twinraven-io/twinraven/internal/config"
	"github.com/twinraven-io/twinraven/internal/telemetry"
)

// sampleHashBuckets is the resolution of deterministic session sampling.
const sampleHashBuckets = 10000

type (
	// Miner mines candidate chains from the event store.
	Miner struct {
		store  telemetry.Store
		logger *slog.Logger
	}

	// preparedSession is one session reduced to a tool-id sequence. The
	// events slice is aligned with the sequence: events[i] produced
	// sequence[i] (the first event of a collapsed run).
	preparedSession struct {
		id       string
		sequence []string
		events   []*telemetry.Event
		latest   time.Time
	}
)

// NewMiner creates a miner over the given event store.
func NewMiner(store telemetry.Store) *Miner {
	return &Miner{
		store: store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Mine runs the full pipeline: session preparation, sequential pattern
// mining, the optional time-window filter, candidate construction, and
// deduplication. Output is ranked by support descending; each candidate
// embeds a snapshot of cfg. Deterministic for a fixed event set and config.
//
// Mine writes nothing; persisting results is the orchestrator's job.
func (m *Miner) Mine(ctx context.Context, cfg Config) ([]*CandidateChain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessions, err := m.prepareSessions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if len(sessions) == 0 {
		return nil, nil
	}

	sequences := make([][]string, len(sessions))
	for i, s := range sessions {
		sequences[i] = s.sequence
	}

	absSupport := int(math.Ceil(cfg.MinSupport * float64(len(sessions))))
	patterns := prefixSpan(sequences, absSupport, MinChainLength, cfg.MaxChainLength)

	m.logger.Debug("pattern mining complete",
		slog.Int("sessions", len(sessions)),
		slog.Int("raw_patterns", len(patterns)),
	)

	var candidates []*CandidateChain

	for _, pattern := range patterns {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("mining cancelled: %w", ctx.Err())
		}

		containing := containingSessions(sessions, pattern)

		if cfg.Algorithm == AlgorithmGSP {
			containing = filterByTimeWindow(containing, pattern, cfg.TimeWindow)
		}

		support := float64(len(containing)) / float64(len(sessions))
		if support < cfg.MinSupport {
			continue
		}

		candidate := m.buildCandidate(pattern, sessions, containing, support, cfg)
		if candidate.Confidence < cfg.MinConfidence {
			continue
		}

		candidates = append(candidates, candidate)
	}

	candidates = deduplicate(candidates, cfg.SubsumptionThreshold)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Support != candidates[j].Support {
			return candidates[i].Support > candidates[j].Support
		}

		return strings.Join(candidates[i].Tools, "\x00") < strings.Join(candidates[j].Tools, "\x00")
	})

	m.logger.Info("mining complete",
		slog.Int("sessions", len(sessions)),
		slog.Int("candidates", len(candidates)),
	)

	return candidates, nil
}

// prepareSessions loads the mined sessions and reduces each to a tool-id
// sequence, applying repeat collapsing, the length cap, and deterministic
// sampling.
func (m *Miner) prepareSessions(ctx context.Context, cfg Config) ([]*preparedSession, error) {
	sessionIDs := cfg.SessionIDs

	if len(sessionIDs) == 0 {
		ids, err := m.store.GetSessions(ctx, cfg.Since, cfg.Until, MinChainLength)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}

		sessionIDs = ids
	}

	maxSequenceLength := sequenceLengthFactor * cfg.MaxChainLength
	prepared := make([]*preparedSession, 0, len(sessionIDs))

	for _, sessionID := range sessionIDs {
		if cfg.SampleRate < 1.0 && !sampleSession(sessionID, cfg.SampleRate) {
			continue
		}

		events, err := m.store.GetBySession(ctx, sessionID, telemetry.OrderTimestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}

		session := reduceSession(sessionID, events, cfg)
		if session == nil {
			continue
		}

		if len(session.sequence) > maxSequenceLength {
			m.logger.Debug("dropping overlong session",
				slog.String("session_id", sessionID),
				slog.Int("sequence_length", len(session.sequence)),
			)

			continue
		}

		prepared = append(prepared, session)
	}

	return prepared, nil
}

// reduceSession converts a session's events into an aligned tool sequence,
// restricted to the configured time range. Returns nil for sessions too
// short to contain a chain.
func reduceSession(sessionID string, events []*telemetry.Event, cfg Config) *preparedSession {
	session := &preparedSession{id: sessionID}

	for _, event := range events {
		if !cfg.Since.IsZero() && event.Timestamp.Before(cfg.Since) {
			continue
		}

		if !cfg.Until.IsZero() && !event.Timestamp.Before(cfg.Until) {
			continue
		}

		if event.Timestamp.After(session.latest) {
			session.latest = event.Timestamp
		}

		if cfg.CollapseRepeats && len(session.sequence) > 0 &&
			session.sequence[len(session.sequence)-1] == event.ToolID {
			continue
		}

		session.sequence = append(session.sequence, event.ToolID)
		session.events = append(session.events, event)
	}

	if len(session.sequence) < MinChainLength {
		return nil
	}

	return session
}

// sampleSession deterministically decides whether a session participates,
// by hashing its id. Stable across runs and processes.
func sampleSession(sessionID string, rate float64) bool {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))

	return h.Sum64()%sampleHashBuckets < uint64(rate*sampleHashBuckets)
}

// containingSessions returns the sessions containing pattern as a subsequence.
func containingSessions(sessions []*preparedSession, pattern []string) []*preparedSession {
	var containing []*preparedSession

	for _, session := range sessions {
		if containsSubsequence(session.sequence, pattern) {
			containing = append(containing, session)
		}
	}

	return containing
}

// filterByTimeWindow keeps only sessions where some occurrence of the
// pattern has every inter-step gap within the window. The gap between two
// matched steps is the idle time from the end of one call to the start of
// the next: timestamp(next) - (timestamp(current) + latency(current)).
func filterByTimeWindow(sessions []*preparedSession, pattern []string, window time.Duration) []*preparedSession {
	var filtered []*preparedSession

	for _, session := range sessions {
		if hasOccurrenceWithinWindow(session.events, pattern, 0, -1, window) {
			filtered = append(filtered, session)
		}
	}

	return filtered
}

// hasOccurrenceWithinWindow searches for any position set matching the
// pattern with all gaps <= window. Depth-first over candidate positions;
// sequences are capped short enough that exhaustive search stays cheap.
func hasOccurrenceWithinWindow(
	events []*telemetry.Event,
	pattern []string,
	patternIdx, prevPos int,
	window time.Duration,
) bool {
	if patternIdx == len(pattern) {
		return true
	}

	for pos := prevPos + 1; pos < len(events); pos++ {
		if events[pos].ToolID != pattern[patternIdx] {
			continue
		}

		if prevPos >= 0 {
			prev := events[prevPos]

			gap := events[pos].Timestamp.Sub(
				prev.Timestamp.Add(time.Duration(prev.LatencyMS) * time.Millisecond))
			if gap > window {
				continue
			}
		}

		if hasOccurrenceWithinWindow(events, pattern, patternIdx+1, pos, window) {
			return true
		}
	}

	return false
}

// buildCandidate computes the statistics and provenance for one pattern.
func (m *Miner) buildCandidate(
	pattern []string,
	all []*preparedSession,
	containing []*preparedSession,
	support float64,
	cfg Config,
) *CandidateChain {
	var (
		totalLatency float64
		failures     int
	)

	for _, session := range containing {
		positions := matchPositions(session.sequence, pattern)

		var chainLatency float64

		for _, pos := range positions {
			chainLatency += float64(session.events[pos].LatencyMS)
		}

		totalLatency += chainLatency

		finalEvent := session.events[positions[len(positions)-1]]
		if finalEvent.Outcome == telemetry.OutcomeFailure {
			failures++
		}
	}

	return &CandidateChain{
		ID:             uuid.New(),
		Tools:          append([]string(nil), pattern...),
		Support:        support,
		Confidence:     chainConfidence(all, pattern),
		AvgLatencyMS:   totalLatency / float64(len(containing)),
		FailureRate:    float64(failures) / float64(len(containing)),
		SampleEventIDs: sampleEventIDs(containing, pattern, cfg.MaxSampleEvents),
		DiscoveredAt:   time.Now().UTC(),
		MiningConfig:   cfg,
	}
}

// chainConfidence is the mean, over consecutive links, of the probability
// that the later tool appears after the earlier tool within a session.
// "After" means later in the sequence, not strict adjacency.
func chainConfidence(sessions []*preparedSession, pattern []string) float64 {
	var sum float64

	for link := 0; link < len(pattern)-1; link++ {
		var withPrior, withTransition int

		for _, session := range sessions {
			firstPrior := indexOf(session.sequence, pattern[link])
			if firstPrior < 0 {
				continue
			}

			withPrior++

			for i := firstPrior + 1; i < len(session.sequence); i++ {
				if session.sequence[i] == pattern[link+1] {
					withTransition++

					break
				}
			}
		}

		if withPrior > 0 {
			sum += float64(withTransition) / float64(withPrior)
		}
	}

	return sum / float64(len(pattern)-1)
}

// sampleEventIDs selects provenance events, preferring recent sessions.
// One event per containing session: the first matched step.
func sampleEventIDs(containing []*preparedSession, pattern []string, maxSamples int) []uuid.UUID {
	recent := append([]*preparedSession(nil), containing...)
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].latest.After(recent[j].latest)
	})

	samples := make([]uuid.UUID, 0, maxSamples)

	for _, session := range recent {
		if len(samples) >= maxSamples {
			break
		}

		positions := matchPositions(session.sequence, pattern)
		samples = append(samples, session.events[positions[0]].ID)
	}

	return samples
}

// deduplicate merges equal chains and drops subsumed ones.
//
// Equality: identical tool lists merge into one chain keeping the higher
// support and the union of sample ids. Subsumption: a strict subsequence is
// dropped in favor of its supersequence when their supports differ by at
// most threshold, relative to the supersequence.
func deduplicate(candidates []*CandidateChain, threshold float64) []*CandidateChain {
	byKey := make(map[string]*CandidateChain)
	keys := make([]string, 0, len(candidates))

	for _, candidate := range candidates {
		key := strings.Join(candidate.Tools, "\x00")

		existing, ok := byKey[key]
		if !ok {
			byKey[key] = candidate
			keys = append(keys, key)

			continue
		}

		if candidate.Support > existing.Support {
			candidate.SampleEventIDs = unionIDs(candidate.SampleEventIDs, existing.SampleEventIDs)
			byKey[key] = candidate
		} else {
			existing.SampleEventIDs = unionIDs(existing.SampleEventIDs, candidate.SampleEventIDs)
		}
	}

	merged := make([]*CandidateChain, 0, len(byKey))
	for _, key := range keys {
		merged = append(merged, byKey[key])
	}

	var result []*CandidateChain

	for _, candidate := range merged {
		subsumed := false

		for _, other := range merged {
			if candidate == other || !isStrictSubsequence(candidate.Tools, other.Tools) {
				continue
			}

			if other.Support > 0 && math.Abs(candidate.Support-other.Support)/other.Support <= threshold {
				subsumed = true

				break
			}
		}

		if !subsumed {
			result = append(result, candidate)
		}
	}

	return result
}

// unionIDs merges two id lists preserving first-seen order.
func unionIDs(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(a)+len(b))
	result := make([]uuid.UUID, 0, len(a)+len(b))

	for _, id := range append(append([]uuid.UUID(nil), a...), b...) {
		if !seen[id] {
			seen[id] = true

			result = append(result, id)
		}
	}

	return result
}

// indexOf returns the first index of item in sequence, or -1.
func indexOf(sequence []string, item string) int {
	for i, s := range sequence {
		if s == item {
			return i
		}
	}

	return -1
}

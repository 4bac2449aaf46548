package regulation

import "time"

// #region level-table
// LevelForTrust maps a trust score to a strictness level per the fixed
// threshold table. Pure function of the score alone so the mapping stays
// auditable and immune to event-ordering bugs.
//
//	80–100 → 1, 60–79 → 2, 40–59 → 3, 20–39 → 4, 0–19 → 5
func LevelForTrust(score int) int {
	switch {
	case score >= 80:
		return 1
	case score >= 60:
		return 2
	case score >= 40:
		return 3
	case score >= 20:
		return 4
	default:
		return 5
	}
}

// #endregion level-table

// #region initial
// InitialState is the lazily created state on the first event for a
// (user, scope) pair: trust 75, level 2.
func InitialState(userID, scopeID string, now time.Time) State {
	return State{
		UserID:     userID,
		ScopeID:    scopeID,
		TrustScore: 75,
		Level:      LevelForTrust(75),
		UpdatedAt:  now,
		Version:    0,
	}
}

// #endregion initial

// #region impact
// ScaleImpact scales a base per-event-type trust delta by severity,
// linearly around severity 3, truncating toward zero.
func ScaleImpact(base float64, severity int) int {
	return int(base * float64(clampSeverity(severity)) / 3)
}

// clampSeverity bounds severity to [1, 5]. RecordEvent applies it before
// persisting so stored rows never disagree with the impact they produced.
func clampSeverity(severity int) int {
	if severity < 1 {
		return 1
	}
	if severity > 5 {
		return 5
	}
	return severity
}

// #endregion impact

// #region apply
// ApplyEvent is the pure transition: it folds one signed impact into the
// previous state and derives the new level. It never touches storage, so
// the same (state, impact) pair always yields the same result.
func ApplyEvent(prev State, eventType EventType, impact int, now time.Time) State {
	next := prev

	next.TrustScore = clampTrust(prev.TrustScore + impact)
	next.Level = LevelForTrust(next.TrustScore)
	if next.Level != prev.Level {
		t := now
		next.LastLevelChangeAt = &t
	}

	switch {
	case impact > 0:
		next.ConsecutiveWins = prev.ConsecutiveWins + 1
		next.ConsecutiveLosses = 0
	case impact < 0:
		next.ConsecutiveLosses = prev.ConsecutiveLosses + 1
		next.ConsecutiveWins = 0
	}
	if eventType == EventRuleViolation {
		next.RuleBreakCount = prev.RuleBreakCount + 1
	}

	next.UpdatedAt = now
	next.Version = prev.Version + 1
	return next
}

// #endregion apply

// #region helpers
func clampTrust(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// #endregion helpers

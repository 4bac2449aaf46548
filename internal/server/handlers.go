package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/focusloop/regulation-engine/internal/behavior"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/preset"
	"github.com/focusloop/regulation-engine/internal/regulation"
	"github.com/focusloop/regulation-engine/internal/signal"
	"github.com/focusloop/regulation-engine/internal/surfacer"
)

// #region errors

// writeError maps domain errors onto the HTTP taxonomy. Closed-set
// violations are 422, missing rows 404, consent refusals 403, revert
// conflicts 409, stale writes 412; everything else is a 500.
func (s *Server) writeError(c *gin.Context, err error) {
	var conflict *preset.ConflictError
	switch {
	case errors.Is(err, signal.ErrConsentDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, signal.ErrSignalNotFound),
		errors.Is(err, surfacer.ErrSignalNotFound),
		errors.Is(err, regulation.ErrStateNotFound),
		errors.Is(err, preset.ErrUnknownPreset),
		errors.Is(err, preset.ErrApplicationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":         conflict.Error(),
			"edited_params": conflict.EditedParams,
		})
	case errors.Is(err, preset.ErrAlreadyReverted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, regulation.ErrStaleWrite):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": err.Error()})
	case errors.Is(err, signal.ErrUnknownSignalKey),
		errors.Is(err, signal.ErrInvalidProvenance),
		errors.Is(err, regulation.ErrUnknownEventType),
		errors.Is(err, consent.ErrUnknownCategory),
		errors.Is(err, params.ErrUnknownParameter):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// #endregion errors

// #region active-signals

type activeSignalDTO struct {
	ID             string         `json:"id"`
	Key            string         `json:"key"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	ExplanationWhy string         `json:"explanation_why"`
	ContextData    map[string]any `json:"context_data,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

func (s *Server) handleActiveSignals(c *gin.Context) {
	userID := c.Param("user")
	sessionID := c.Query("session")

	sigs, err := s.engine.GetActiveSignals(c.Request.Context(), userID, sessionID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	out := make([]activeSignalDTO, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, activeSignalDTO{
			ID:             sig.ID,
			Key:            sig.Key,
			Title:          sig.Title,
			Description:    sig.Description,
			ExplanationWhy: sig.ExplanationWhy,
			ContextData:    sig.ContextData,
			DetectedAt:     sig.DetectedAt,
			ExpiresAt:      sig.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"signals": out})
}

func (s *Server) handleDismiss(c *gin.Context) {
	if err := s.engine.DismissSignal(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

// #endregion active-signals

// #region regulation

type regulationStateDTO struct {
	UserID            string     `json:"user_id"`
	ScopeID           string     `json:"scope_id"`
	Level             int        `json:"level"`
	TrustScore        int        `json:"trust_score"`
	RuleBreakCount    int        `json:"rule_break_count"`
	ConsecutiveWins   int        `json:"consecutive_wins"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	DriftEventsWeek   int        `json:"drift_events_week"`
	MissedDeadlines   int        `json:"missed_deadlines_week"`
	CompletionsWeek   int        `json:"completions_week"`
	LastLevelChangeAt *time.Time `json:"last_level_change_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func stateDTO(st regulation.State) regulationStateDTO {
	return regulationStateDTO{
		UserID:            st.UserID,
		ScopeID:           st.ScopeID,
		Level:             st.Level,
		TrustScore:        st.TrustScore,
		RuleBreakCount:    st.RuleBreakCount,
		ConsecutiveWins:   st.ConsecutiveWins,
		ConsecutiveLosses: st.ConsecutiveLosses,
		DriftEventsWeek:   st.Week.DriftEvents,
		MissedDeadlines:   st.Week.MissedDeadlines,
		CompletionsWeek:   st.Week.Completions,
		LastLevelChangeAt: st.LastLevelChangeAt,
		UpdatedAt:         st.UpdatedAt,
	}
}

func (s *Server) handleRegulationStates(c *gin.Context) {
	states, err := s.engine.ListRegulationStates(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]regulationStateDTO, 0, len(states))
	for _, st := range states {
		out = append(out, stateDTO(st))
	}
	c.JSON(http.StatusOK, gin.H{"states": out})
}

func (s *Server) handleRegulationState(c *gin.Context) {
	st, err := s.engine.GetRegulationState(c.Request.Context(), c.Param("user"), c.Param("scope"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stateDTO(st))
}

type regulationEventDTO struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Severity      int            `json:"severity"`
	ImpactOnTrust int            `json:"impact_on_trust"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (s *Server) handleRegulationEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	events, err := s.engine.ListRegulationEvents(c.Request.Context(), c.Param("user"), c.Param("scope"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]regulationEventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, regulationEventDTO{
			ID:            ev.ID,
			Type:          string(ev.Type),
			Severity:      ev.Severity,
			ImpactOnTrust: ev.ImpactOnTrust,
			Metadata:      ev.Metadata,
			CreatedAt:     ev.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

type recordEventRequest struct {
	Type     string         `json:"type" binding:"required"`
	Severity int            `json:"severity"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleRecordRegulationEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	eventType, err := regulation.ParseEventType(req.Type)
	if err != nil {
		s.writeError(c, err)
		return
	}

	st, err := s.engine.RecordRegulationEvent(
		c.Request.Context(), c.Param("user"), c.Param("scope"), eventType, req.Severity, req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stateDTO(st))
}

// #endregion regulation

// #region consent

type consentFlagDTO struct {
	Category  string     `json:"category"`
	Enabled   bool       `json:"enabled"`
	GrantedAt *time.Time `json:"granted_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

func (s *Server) handleListConsent(c *gin.Context) {
	flags, err := s.engine.ListConsent(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]consentFlagDTO, 0, len(flags))
	for _, f := range flags {
		out = append(out, consentFlagDTO{
			Category:  string(f.Category),
			Enabled:   f.Enabled,
			GrantedAt: f.GrantedAt,
			RevokedAt: f.RevokedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"consent": out})
}

type setConsentRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleSetConsent(c *gin.Context) {
	var req setConsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	category, err := consent.ParseCategory(c.Param("category"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	if err := s.engine.SetConsent(c.Request.Context(), c.Param("user"), category, *req.Enabled); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"category": string(category), "enabled": *req.Enabled})
}

// #endregion consent

// #region behavior

type ingestEventRequest struct {
	Type       string         `json:"type" binding:"required"`
	ScopeID    string         `json:"scope_id"`
	Severity   int            `json:"severity"`
	OccurredAt *time.Time     `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) handleIngestEvent(c *gin.Context) {
	var req ingestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ev := behavior.Event{
		UserID:   c.Param("user"),
		ScopeID:  req.ScopeID,
		Type:     behavior.EventType(req.Type),
		Severity: req.Severity,
		Metadata: req.Metadata,
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = *req.OccurredAt
	}

	stored, err := s.engine.IngestBehaviorEvent(c.Request.Context(), ev)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": stored.ID, "late": stored.Late})
}

// #endregion behavior

// #region presets

type presetDTO struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  map[string]float64 `json:"parameters"`
}

func (s *Server) handleListPresets(c *gin.Context) {
	presets := s.engine.ListPresets()
	out := make([]presetDTO, 0, len(presets))
	for _, p := range presets {
		out = append(out, presetDTO{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Parameters:  p.Parameters,
		})
	}
	c.JSON(http.StatusOK, gin.H{"presets": out})
}

func (s *Server) handlePreviewPreset(c *gin.Context) {
	deltas, err := s.engine.PreviewPreset(c.Request.Context(), c.Param("user"), c.Param("preset"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changes": deltas})
}

type applicationDTO struct {
	ID             string                  `json:"id"`
	PresetID       string                  `json:"preset_id"`
	AppliedAt      time.Time               `json:"applied_at"`
	Changes        []preset.ParameterDelta `json:"changes"`
	RevertedAt     *time.Time              `json:"reverted_at,omitempty"`
	EditedManually bool                    `json:"edited_manually"`
}

func (s *Server) handleApplyPreset(c *gin.Context) {
	app, err := s.engine.ApplyPreset(c.Request.Context(), c.Param("user"), c.Param("preset"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, applicationDTO{
		ID:             app.ID,
		PresetID:       app.PresetID,
		AppliedAt:      app.AppliedAt,
		Changes:        app.Changes,
		RevertedAt:     app.RevertedAt,
		EditedManually: app.EditedManually,
	})
}

type revertRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleRevertPreset(c *gin.Context) {
	var req revertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.engine.RevertPreset(c.Request.Context(), req.UserID, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reverted"})
}

// #endregion presets

// #region candidate-signals

type candidateDTO struct {
	SignalID          string             `json:"signal_id"`
	Key               string             `json:"key"`
	Version           int                `json:"version"`
	RangeStart        time.Time          `json:"range_start"`
	RangeEnd          time.Time          `json:"range_end"`
	Value             map[string]any     `json:"value"`
	Confidence        float64            `json:"confidence"`
	ProvenanceHash    string             `json:"provenance_hash"`
	ProvenanceEvents  []string           `json:"provenance_event_ids"`
	Parameters        map[string]float64 `json:"parameters"`
	ComputedAt        time.Time          `json:"computed_at"`
	Status            string             `json:"status"`
	InvalidatedAt     *time.Time         `json:"invalidated_at,omitempty"`
	InvalidatedReason string             `json:"invalidated_reason,omitempty"`
}

func candidateToDTO(cd signal.Candidate) candidateDTO {
	return candidateDTO{
		SignalID:          cd.SignalID,
		Key:               string(cd.Key),
		Version:           cd.Version,
		RangeStart:        cd.Range.Start,
		RangeEnd:          cd.Range.End,
		Value:             cd.Value,
		Confidence:        cd.Confidence,
		ProvenanceHash:    cd.ProvenanceHash,
		ProvenanceEvents:  cd.ProvenanceEventIDs,
		Parameters:        cd.Parameters,
		ComputedAt:        cd.ComputedAt,
		Status:            string(cd.Status),
		InvalidatedAt:     cd.InvalidatedAt,
		InvalidatedReason: cd.InvalidatedReason,
	}
}

func (s *Server) handleListCandidates(c *gin.Context) {
	f := signal.Filter{
		Key:    signal.Key(c.Query("key")),
		Status: signal.Status(c.Query("status")),
		Limit:  intQuery(c, "limit", 0),
	}
	cands, err := s.engine.ListCandidateSignals(c.Request.Context(), c.Param("user"), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]candidateDTO, 0, len(cands))
	for _, cd := range cands {
		out = append(out, candidateToDTO(cd))
	}
	c.JSON(http.StatusOK, gin.H{"signals": out})
}

type computeRequest struct {
	Key   string    `json:"key" binding:"required"`
	Start time.Time `json:"start" binding:"required"`
	End   time.Time `json:"end" binding:"required"`
}

func (s *Server) handleComputeSignal(c *gin.Context) {
	var req computeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	key, err := signal.ParseKey(req.Key)
	if err != nil {
		s.writeError(c, err)
		return
	}

	cand, err := s.engine.ComputeSignal(
		c.Request.Context(), c.Param("user"), key,
		signal.TimeRange{Start: req.Start, End: req.End}, nil)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidateToDTO(*cand))
}

// #endregion candidate-signals

// #region helpers

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n := 0
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return def
		}
		n = n*10 + int(ch-'0')
	}
	return n
}

// #endregion helpers

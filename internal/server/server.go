package server

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/focusloop/regulation-engine/internal/engine"
)

// #region server

// Server exposes the engine over a JSON HTTP API.
type Server struct {
	engine      *engine.Engine
	log         *slog.Logger
	testingMode bool
}

// New builds a Server. testingMode unlocks the candidate-signal inspection
// endpoints, which stay hidden in normal operation.
func New(eng *engine.Engine, log *slog.Logger, testingMode bool) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: eng, log: log.With("component", "server"), testingMode: testingMode}
}

// Router wires all routes onto a fresh gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/users/:user/active-signals", s.handleActiveSignals)
		v1.POST("/active-signals/:id/dismiss", s.handleDismiss)

		v1.GET("/users/:user/regulation", s.handleRegulationStates)
		v1.GET("/users/:user/regulation/:scope", s.handleRegulationState)
		v1.GET("/users/:user/regulation/:scope/events", s.handleRegulationEvents)
		v1.POST("/users/:user/regulation/:scope/events", s.handleRecordRegulationEvent)

		v1.GET("/users/:user/consent", s.handleListConsent)
		v1.PUT("/users/:user/consent/:category", s.handleSetConsent)

		v1.POST("/users/:user/events", s.handleIngestEvent)

		v1.GET("/presets", s.handleListPresets)
		v1.POST("/users/:user/presets/:preset/preview", s.handlePreviewPreset)
		v1.POST("/users/:user/presets/:preset/apply", s.handleApplyPreset)
		v1.POST("/preset-applications/:id/revert", s.handleRevertPreset)

		if s.testingMode {
			v1.GET("/users/:user/candidate-signals", s.handleListCandidates)
			v1.POST("/users/:user/candidate-signals/compute", s.handleComputeSignal)
		}
	}

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// #endregion server

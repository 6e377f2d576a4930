package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"forgebuild/internal/ai"
	"forgebuild/internal/config"
	"forgebuild/internal/logging"
	"forgebuild/internal/report"
	"forgebuild/internal/sandbox"
	"forgebuild/internal/supervisor"
)

// Launcher builds a fresh supervisor for one build. Swappable in tests.
type Launcher func(emit func(supervisor.Event)) *supervisor.Supervisor

// BuildHandler exposes the build lifecycle endpoints.
type BuildHandler struct {
	store  *report.Store
	launch Launcher
	emit   func(supervisor.Event)
	log    *zap.Logger

	mu     sync.RWMutex
	active map[string]supervisor.State
}

// NewBuildHandler wires the handler. emit receives every supervisor event
// in addition to the handler's own state tracking; it may be nil.
func NewBuildHandler(store *report.Store, launch Launcher, emit func(supervisor.Event)) *BuildHandler {
	return &BuildHandler{
		store:  store,
		launch: launch,
		emit:   emit,
		log:    logging.L().Named("handlers.builds"),
		active: make(map[string]supervisor.State),
	}
}

// DefaultLauncher constructs supervisors on the shared registry and runner,
// with a fresh cost ledger per build.
func DefaultLauncher(reg *ai.Registry, runner sandbox.Runner, cfg config.AppConfig) Launcher {
	return func(emit func(supervisor.Event)) *supervisor.Supervisor {
		ledger := ai.NewCostLedger(cfg.SessionBudget)
		router := ai.NewRouter(reg, ledger)
		return supervisor.New(router, runner, ledger, cfg, emit)
	}
}

type createBuildRequest struct {
	Files      map[string]string `json:"files" binding:"required"`
	RunCommand string            `json:"run_command"`
}

// Create starts a build and returns immediately with its ID.
// POST /api/v1/builds
func (h *BuildHandler) Create(c *gin.Context) {
	var req createBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid request body: " + err.Error(),
		})
		return
	}
	if len(req.Files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "At least one file is required",
		})
		return
	}

	buildID := uuid.NewString()
	projectDir, err := os.MkdirTemp("", "forgebuild-"+buildID[:8]+"-")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to allocate workspace",
		})
		return
	}

	h.setState(buildID, supervisor.StatePlanning)
	go h.run(buildID, projectDir, req)

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"build_id": buildID,
			"state":    supervisor.StatePlanning,
		},
	})
}

func (h *BuildHandler) run(buildID, projectDir string, req createBuildRequest) {
	defer os.RemoveAll(projectDir)

	emit := func(ev supervisor.Event) {
		h.setState(ev.BuildID, ev.State)
		if h.emit != nil {
			h.emit(ev)
		}
	}
	sup := h.launch(emit)

	rep, err := sup.Run(context.Background(), supervisor.RunInput{
		BuildID:    buildID,
		ProjectDir: projectDir,
		Files:      req.Files,
		RunCommand: req.RunCommand,
	})
	if err != nil {
		h.log.Error("build failed", zap.String("build_id", buildID), zap.Error(err))
	}

	if rep != nil {
		if err := h.store.Save(rep); err != nil {
			h.log.Error("persist report", zap.String("build_id", buildID), zap.Error(err))
		}
	}
	h.clearState(buildID)
}

// Get returns the persisted report, or the live state while the build runs.
// GET /api/v1/builds/:id
func (h *BuildHandler) Get(c *gin.Context) {
	buildID := c.Param("id")

	rec, err := h.store.Get(buildID)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    rec,
		})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to load build",
		})
		return
	}

	if state, ok := h.state(buildID); ok {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"build_id": buildID,
				"state":    state,
				"running":  true,
			},
		})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{
		"success": false,
		"error":   "Build not found",
	})
}

// List returns recent builds, newest first.
// GET /api/v1/builds?limit=20
func (h *BuildHandler) List(c *gin.Context) {
	limit := 20
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	recs, err := h.store.List(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to list builds",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    recs,
		"count":   len(recs),
	})
}

func (h *BuildHandler) setState(buildID string, s supervisor.State) {
	h.mu.Lock()
	h.active[buildID] = s
	h.mu.Unlock()
}

func (h *BuildHandler) clearState(buildID string) {
	// Keep the terminal state briefly visible so a Get racing the report
	// write still resolves.
	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	delete(h.active, buildID)
	h.mu.Unlock()
}

func (h *BuildHandler) state(buildID string) (supervisor.State, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.active[buildID]
	return s, ok
}

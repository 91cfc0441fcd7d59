package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/autoqueue/internal/graph"
	"github.com/aristath/autoqueue/internal/planner"
	"github.com/aristath/autoqueue/internal/queue"
	"github.com/aristath/autoqueue/internal/task"
	"github.com/aristath/autoqueue/internal/taskfile"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.queue.Status()
	respondOK(w, RequestIDFromContext(r.Context()), map[string]any{
		"status":     "ok",
		"running":    m.IsRunning,
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"go_version": runtime.Version(),
	})
}

// handleListTasks lists tasks in admission order, optionally filtered by
// ?status=.
// GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	tasks := s.queue.AllTasks()

	if want := r.URL.Query().Get("status"); want != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == want {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	respondOK(w, reqID, tasks)
}

// handleSubmitTask admits a task. The body is a task entry in the task file
// schema, as JSON or YAML; bodies are resolved by func name.
// POST /api/v1/tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	entry, err := taskfile.ParseTask(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	if entry.Func == "" {
		respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, "func is required")
		return
	}

	id, err := s.queue.Submit(entry.Spec())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	t, err := s.queue.TaskStatus(id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	s.logger.Info("task submitted", "task_id", id, "request_id", reqID)
	respondCreated(w, reqID, t)
}

// GET /api/v1/tasks/{id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	t, err := s.queue.TaskStatus(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.queue.Cancel)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.queue.Retry)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.queue.Pause)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.queue.Resume)
}

// control applies a task operation and returns the task afterwards.
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		respondErr(w, reqID, err)
		return
	}
	t, err := s.queue.TaskStatus(id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, t)
}

type queueStatus struct {
	Metrics  queue.Metrics  `json:"metrics"`
	Settings queue.Settings `json:"settings"`
}

// GET /api/v1/queue
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), queueStatus{
		Metrics:  s.queue.Status(),
		Settings: s.queue.Settings(),
	})
}

// handleApplySettings replaces the queue tunables. Omitted fields keep their
// current values.
// PUT /api/v1/queue/settings
func (s *Server) handleApplySettings(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var body struct {
		MaxConcurrentTasks *int    `json:"max_concurrent_tasks"`
		Algorithm          *string `json:"algorithm"`
		BreakdownThreshold *string `json:"breakdown_threshold"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	next := s.queue.Settings()
	if body.MaxConcurrentTasks != nil {
		if *body.MaxConcurrentTasks <= 0 {
			respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, "max_concurrent_tasks must be positive")
			return
		}
		next.MaxConcurrentTasks = *body.MaxConcurrentTasks
	}
	if body.Algorithm != nil {
		next.Algorithm = queue.Algorithm(*body.Algorithm)
	}
	if body.BreakdownThreshold != nil {
		d, err := time.ParseDuration(*body.BreakdownThreshold)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		next.BreakdownThreshold = d
	}
	if err := s.queue.ApplySettings(next); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, s.queue.Settings())
}

// handleQueueHistory returns the monitor's recent samples, oldest first,
// limited by ?limit=.
// GET /api/v1/queue/history
func (s *Server) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.monitor == nil {
		respondError(w, reqID, http.StatusNotFound, ErrCodeNotFound, "monitoring is disabled")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	respondOK(w, reqID, s.monitor.History(s.queueID, limit))
}

type graphView struct {
	graph.Export
	Analysis graph.Analysis `json:"analysis"`
}

// GET /api/v1/graph
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g := s.queue.Graph()
	respondOK(w, RequestIDFromContext(r.Context()), graphView{
		Export:   g.Export(),
		Analysis: g.Analyze(),
	})
}

// handlePlan schedules the unfinished tasks from now against the queue's
// resource pool, live allocations included.
// GET /api/v1/plan
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var open []*task.Task
	for _, t := range s.queue.AllTasks() {
		if !t.Status.Finished() {
			open = append(open, t)
		}
	}
	// Finished prerequisites are already satisfied.
	ids := make(map[string]bool, len(open))
	for _, t := range open {
		ids[t.ID] = true
	}
	for _, t := range open {
		kept := t.Dependencies[:0]
		for _, d := range t.Dependencies {
			if ids[d.TaskID] {
				kept = append(kept, d)
			}
		}
		t.Dependencies = kept
	}

	g, err := graph.New(open)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	res := s.planner.Schedule(g, g.Analyze(), planner.Context{Start: time.Now(), Pool: s.queue.Pool()})
	respondOK(w, reqID, res)
}

// handleAlerts lists alerts, newest last; ?active=true limits the list to
// metrics currently above a threshold.
// GET /api/v1/alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.monitor == nil {
		respondError(w, reqID, http.StatusNotFound, ErrCodeNotFound, "monitoring is disabled")
		return
	}
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		respondOK(w, reqID, s.monitor.Active())
		return
	}
	respondOK(w, reqID, s.monitor.Alerts())
}

// handleOptimizerAnalysis analyzes the recent samples and lists what the
// optimizer would change, without applying anything.
// GET /api/v1/optimizer
func (s *Server) handleOptimizerAnalysis(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.optimizer == nil || s.monitor == nil {
		respondError(w, reqID, http.StatusNotFound, ErrCodeNotFound, "optimizer is disabled")
		return
	}
	a := s.optimizer.Analyze(s.monitor.History(s.queueID, 0))
	respondOK(w, reqID, map[string]any{
		"analysis":        a,
		"recommendations": s.optimizer.Recommend(a, s.queue.Settings()),
	})
}

// GET /api/v1/optimizer/changes
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.optimizer == nil {
		respondError(w, reqID, http.StatusNotFound, ErrCodeNotFound, "optimizer is disabled")
		return
	}
	changes := s.optimizer.Changes()
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].AppliedAt.After(changes[j].AppliedAt) })
	respondOK(w, reqID, changes)
}

// POST /api/v1/optimizer/changes/{id}/rollback
func (s *Server) handleRollbackChange(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.optimizer == nil {
		respondError(w, reqID, http.StatusNotFound, ErrCodeNotFound, "optimizer is disabled")
		return
	}
	if err := s.optimizer.Rollback(chi.URLParam(r, "id")); err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, s.queue.Settings())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

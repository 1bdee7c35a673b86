package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/httputil"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/pipeline"
	"github.com/banshee-data/crossview/internal/security"
	"github.com/banshee-data/crossview/internal/version"
)

const maxRequestBody = 1 << 20

type startRunRequest struct {
	BroadcastSource string     `json:"broadcastSource" validate:"required,max=1024"`
	TacticalSource  string     `json:"tacticalSource" validate:"required,max=1024"`
	Config          *runConfig `json:"config,omitempty"`
}

// runConfig accepts every tuning.json key plus camelCase names for the
// core matching options. A camelCase key wins over its snake_case twin.
type runConfig struct {
	config.TuningConfig
	Alpha       *float64 `json:"similarityWeightAlpha,omitempty"`
	Threshold   *float64 `json:"matchThreshold,omitempty"`
	IoUMerge    *float64 `json:"iouMergeThreshold,omitempty"`
	TemporalGap *int     `json:"temporalGapFrames,omitempty"`
	Cutoff      *int     `json:"assignmentCutoff,omitempty"`
}

func (rc *runConfig) tuning() *config.TuningConfig {
	if rc == nil {
		return nil
	}
	return rc.TuningConfig.Merge(&config.TuningConfig{
		SimilarityWeightAlpha: rc.Alpha,
		MatchThreshold:        rc.Threshold,
		IoUMergeThreshold:     rc.IoUMerge,
		TemporalGapFrames:     rc.TemporalGap,
		AssignmentCutoff:      rc.Cutoff,
	})
}

type listRunsQuery struct {
	Limit int `validate:"min=0,max=500"`
}

type runResponse struct {
	RunID  string            `json:"runId"`
	Status string            `json:"status"`
	State  *pipeline.State   `json:"state,omitempty"`
	Result *reid.MatchResult `json:"result,omitempty"`
	Record *reid.RunRecord   `json:"record,omitempty"`
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	broadcast, err := security.ResolveSource(s.dataDir, req.BroadcastSource)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("broadcastSource: %v", err))
		return
	}
	tactical, err := security.ResolveSource(s.dataDir, req.TacticalSource)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("tacticalSource: %v", err))
		return
	}

	runID, err := s.runs.Start(r.Context(), pipeline.Request{
		BroadcastSource: broadcast,
		TacticalSource:  tactical,
		Config:          req.Config.tuning(),
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, runResponse{RunID: runID, Status: reid.RunStatusRunning})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var q listRunsQuery
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "limit must be an integer")
			return
		}
		q.Limit = n
	}
	if err := s.validate.Struct(q); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	out := map[string]interface{}{"active": s.runs.Active()}
	if s.history == nil {
		out["runs"] = []*reid.RunRecord{}
		httputil.WriteJSONOK(w, out)
		return
	}
	runs, err := s.history.ListRuns(q.Limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if runs == nil {
		runs = []*reid.RunRecord{}
	}
	out["runs"] = runs
	httputil.WriteJSONOK(w, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	st, err := s.runs.State(runID)
	if err == nil {
		resp := runResponse{RunID: runID, Status: statusOf(st.Stage), State: &st}
		if res, err := s.runs.Result(runID); err == nil {
			resp.Result = &res
		}
		httputil.WriteJSONOK(w, resp)
		return
	}
	if !errors.Is(err, reid.ErrRunNotFound) || s.history == nil {
		writeRunError(w, err)
		return
	}

	// Runs evicted from memory are still in the history.
	rec, err := s.history.GetRun(runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	httputil.WriteJSONOK(w, runResponse{RunID: runID, Status: rec.Status, Result: rec.Result, Record: rec})
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	res, err := s.runs.Result(runID)
	if errors.Is(err, reid.ErrRunNotFound) && s.history != nil {
		rec, herr := s.history.GetRun(runID)
		if herr != nil {
			writeRunError(w, herr)
			return
		}
		if rec.Result == nil {
			writeRunError(w, fmt.Errorf("%w: run %s is %s", pipeline.ErrNoResult, runID, rec.Status))
			return
		}
		httputil.WriteJSONOK(w, rec.Result)
		return
	}
	if err != nil {
		writeRunError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.runs.Cancel(runID); err != nil {
		writeRunError(w, err)
		return
	}
	st, _ := s.runs.State(runID)
	httputil.WriteJSON(w, http.StatusAccepted, runResponse{RunID: runID, Status: statusOf(st.Stage), State: &st})
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":   version.Version,
		"gitSha":    version.GitSHA,
		"buildTime": version.BuildTime,
	})
}

// statusOf maps a pipeline stage onto the persisted run status.
func statusOf(s pipeline.Stage) string {
	switch s {
	case pipeline.Completed:
		return reid.RunStatusCompleted
	case pipeline.Failed:
		return reid.RunStatusFailed
	case pipeline.Cancelled:
		return reid.RunStatusCancelled
	default:
		return reid.RunStatusRunning
	}
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reid.ErrRunNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, reid.ErrRunInProgress), errors.Is(err, pipeline.ErrNoResult):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, reid.ErrInput), errors.Is(err, reid.ErrConfiguration):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

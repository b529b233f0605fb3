package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/scheduler"
)

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.scheduler.Jobs(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (req *createJobRequest) validate() error {
	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		return models.NewValidationError("name, schedule, and job_type are required")
	}
	switch req.JobType {
	case scheduler.JobTypeSynthesize, scheduler.JobTypeThresholdReport, scheduler.JobTypeReapStale:
		return nil
	}
	return models.NewValidationError("unknown job_type %q", req.JobType)
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := req.validate(); err != nil {
		respondErr(w, err)
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}
	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.scheduler.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":       job,
		"next_runs": s.scheduler.GetNextRuns(job.ID, 5),
	})
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := req.validate(); err != nil {
		respondErr(w, err)
		return
	}

	job := &scheduler.Job{
		ID:          chi.URLParam(r, "jobID"),
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}
	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50, 1, 500)
	if err != nil {
		respondErr(w, err)
		return
	}
	execs, err := s.scheduler.Executions(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, execs)
}

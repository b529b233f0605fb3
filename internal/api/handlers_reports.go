package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/reports"
)

type createReportRequest struct {
	FindingIDs   []string         `json:"finding_ids"`
	IndicatorIDs []string         `json:"indicator_ids"`
	Template     reports.Template `json:"template"`
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if len(req.FindingIDs) == 0 && len(req.IndicatorIDs) == 0 {
		respondError(w, http.StatusBadRequest, models.CodeValidation, "finding_ids or indicator_ids required")
		return
	}
	if req.Template.Title == "" {
		req.Template.Title = "Intelligence Report"
	}

	report, err := s.reports.GenerateReport(r.Context(), req.FindingIDs, req.IndicatorIDs, req.Template)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, report)
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	s.listKind(w, r, models.ObjectReport)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	report, _, _, err := s.reports.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) getReportPDF(w http.ResponseWriter, r *http.Request) {
	report, findings, indicators, err := s.reports.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	data, err := reports.RenderPDF(report, findings, indicators)
	if err != nil {
		respondError(w, http.StatusInternalServerError, models.CodeInternal, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "attachment; filename=report-"+report.ID+".pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) getReportCSV(w http.ResponseWriter, r *http.Request) {
	report, findings, _, err := s.reports.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	data, err := reports.FindingsCSV(findings)
	if err != nil {
		respondError(w, http.StatusInternalServerError, models.CodeInternal, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=report-"+report.ID+"-findings.csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

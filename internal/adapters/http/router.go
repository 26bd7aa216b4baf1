package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/document-classifier/internal/config"
	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
	"github.com/kirillkom/document-classifier/internal/infrastructure/feedbackfile"
	"github.com/kirillkom/document-classifier/internal/observability/metrics"
)

const maxFeedbackBytes = 1 << 20

type Router struct {
	cfg      config.Config
	submit   ports.DocumentSubmitter
	feedback ports.FeedbackSubmitter
	query    ports.ClassificationReader
	metrics  *metrics.HTTPServerMetrics
}

func NewRouter(
	cfg config.Config,
	submit ports.DocumentSubmitter,
	feedback ports.FeedbackSubmitter,
	query ports.ClassificationReader,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		cfg:      cfg,
		submit:   submit,
		feedback: feedback,
		query:    query,
		metrics:  httpMetrics,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	api := http.NewServeMux()
	api.HandleFunc("/v1/documents", rt.uploadDocument)
	api.HandleFunc("/v1/feedback", rt.submitFeedback)
	api.HandleFunc("/v1/classifications/", rt.getClassification)
	api.HandleFunc("/v1/categories", rt.listCategories)
	api.HandleFunc("/v1/dead-letters", rt.listDeadLetters)

	var guarded http.Handler = api
	guarded = authMiddleware(guarded, rt.cfg.APIAuthToken)
	guarded = rateLimitMiddleware(guarded, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateBurst)
	guarded = backpressureMiddleware(guarded, 64, 2*time.Second)
	mux.Handle("/v1/", guarded)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware("api", handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	sub, err := rt.submit.Submit(r.Context(), fileHeader.Filename, file)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordUpload("api", filepath.Ext(sub.StoredAs), sub.SizeBytes)
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// submitFeedback accepts either a JSON feedback record or a multipart feedback file in any
// format the worker's inbox understands.
func (rt *Router) submitFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		record *domain.FeedbackRecord
		kind   string
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		kind = "file"
		record, err = feedbackFromForm(r)
	} else {
		kind = "json"
		record = &domain.FeedbackRecord{}
		err = json.NewDecoder(io.LimitReader(r.Body, maxFeedbackBytes)).Decode(record)
		if err != nil {
			err = domain.WrapError(domain.ErrInvalidInput, "decode feedback", err)
		}
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sub, err := rt.feedback.SubmitFeedback(r.Context(), *record)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordFeedbackSubmission("api", kind)
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func feedbackFromForm(r *http.Request) (*domain.FeedbackRecord, error) {
	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read feedback form", errors.New("multipart field 'file' is required"))
	}
	defer file.Close()

	if !feedbackfile.Supported(fileHeader.Filename) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read feedback form", errors.New("unsupported feedback file type"))
	}
	data, err := io.ReadAll(io.LimitReader(file, maxFeedbackBytes))
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read feedback form", err)
	}
	record, err := feedbackfile.Parse(fileHeader.Filename, data)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse feedback file", err)
	}
	return record, nil
}

func (rt *Router) getClassification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/classifications/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	rec, err := rt.query.GetClassification(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (rt *Router) listCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	profiles, err := rt.query.ListCategories(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	type category struct {
		ID         string                  `json:"id"`
		Name       string                  `json:"name"`
		Aliases    []string                `json:"aliases"`
		Keywords   int                     `json:"keywords"`
		References int                     `json:"references"`
		Bias       float64                 `json:"bias"`
		Counters   domain.FeedbackCounters `json:"counters"`
		UpdatedAt  time.Time               `json:"updated_at"`
	}
	out := make([]category, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, category{
			ID:         p.ID,
			Name:       p.Name,
			Aliases:    p.Aliases,
			Keywords:   len(p.Keywords),
			References: len(p.References),
			Bias:       p.Bias,
			Counters:   p.Counters,
			UpdatedAt:  p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out})
}

func (rt *Router) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	records, err := rt.query.ListDeadLetters(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": records})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, message)
}

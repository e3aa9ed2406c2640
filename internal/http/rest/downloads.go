package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/scheduler"
	"github.com/italolelis/batch_downloader/internal/telemetry"
	"github.com/italolelis/batch_downloader/internal/transfer"
)

// Manager is the part of the scheduler the control API drives.
type Manager interface {
	Submit(ctx context.Context, req transfer.Request) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	PauseAll(ctx context.Context) int
	ResumeAll(ctx context.Context) int
	StopAll(ctx context.Context) int
	SetCapacity(ctx context.Context, n int) error
	Capacity() int
	SetHeaders(headers map[string]string)
	Headers() map[string]string
	Counts() (active, queued int)
	Get(id string) (transfer.Transfer, bool)
	List() []transfer.Transfer
}

type Download struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Destination string          `json:"destination"`
	Status      transfer.Status `json:"status"`
	Progress    int             `json:"progress"`
	Speed       float64         `json:"speed"`
}

type AddDownloadRequest struct {
	URL         string            `json:"url"`
	Destination string            `json:"destination,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Progress    int               `json:"progress,omitempty"`
}

type Status struct {
	DownloadDir string `json:"download_dir"`
	Active      int    `json:"active"`
	Queued      int    `json:"queued"`
	Total       int    `json:"total"`
	Capacity    int    `json:"capacity"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ID        string `json:"id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// DownloadsHandler serves the download control API.
type DownloadsHandler struct {
	username    string
	password    string
	manager     Manager
	downloadDir string
	telemetry   *telemetry.Telemetry
}

// NewDownloadsHandler creates a new downloads handler. Basic auth is enforced when
// both a username and a password are set.
func NewDownloadsHandler(username, password string, m Manager, downloadDir string, t *telemetry.Telemetry) *DownloadsHandler {
	return &DownloadsHandler{
		username:    username,
		password:    password,
		manager:     m,
		downloadDir: downloadDir,
		telemetry:   t,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" && h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/status", h.handleStatus)

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleAdd)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/pause", h.handleTransition(Manager.Pause))
		r.Post("/{id}/resume", h.handleTransition(Manager.Resume))
		r.Post("/{id}/stop", h.handleTransition(Manager.Stop))
	})

	r.Post("/pause-all", h.handleBulk(Manager.PauseAll))
	r.Post("/resume-all", h.handleBulk(Manager.ResumeAll))
	r.Post("/stop-all", h.handleBulk(Manager.StopAll))

	r.Put("/capacity", h.handleCapacity)
	r.Put("/headers", h.handleHeaders)
	r.Get("/headers", h.handleGetHeaders)

	if h.telemetry != nil {
		r.Handle("/metrics", h.telemetry.Handler())
	}

	return r
}

func (h *DownloadsHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	active, queued := h.manager.Counts()

	writeJSON(w, http.StatusOK, Status{
		DownloadDir: h.downloadDir,
		Active:      active,
		Queued:      queued,
		Total:       len(h.manager.List()),
		Capacity:    h.manager.Capacity(),
	})
}

func (h *DownloadsHandler) handleList(w http.ResponseWriter, _ *http.Request) {
	transfers := h.manager.List()

	out := make([]Download, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, toDownload(t))
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *DownloadsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := h.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, transfer.ErrNotFound, "")

		return
	}

	writeJSON(w, http.StatusOK, toDownload(t))
}

func (h *DownloadsHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req AddDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"), "")

		return
	}

	if req.URL == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("url is required"), "")

		return
	}

	var (
		dest string
		err  error
	)

	if req.Destination == "" {
		dest, err = transfer.DestinationFor(h.downloadDir, req.URL)
	} else {
		dest, err = transfer.ResolveUnder(h.downloadDir, req.Destination)
	}

	if err != nil {
		logger.Warn("rejected destination", "url", req.URL, "destination", req.Destination, "err", err)
		writeError(w, r, http.StatusBadRequest, err, "")

		return
	}

	id, err := h.manager.Submit(r.Context(), transfer.Request{
		URL:             req.URL,
		Destination:     dest,
		Headers:         req.Headers,
		InitialProgress: req.Progress,
	})
	if err != nil {
		writeError(w, r, statusFor(err), err, id)

		return
	}

	logger.Info("download added", "transfer_id", id, "url", req.URL)

	t, _ := h.manager.Get(id)
	writeJSON(w, http.StatusCreated, toDownload(t))
}

func (h *DownloadsHandler) handleTransition(op func(Manager, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := op(h.manager, r.Context(), id); err != nil {
			writeError(w, r, statusFor(err), err, id)

			return
		}

		t, _ := h.manager.Get(id)
		writeJSON(w, http.StatusOK, toDownload(t))
	}
}

func (h *DownloadsHandler) handleBulk(op func(Manager, context.Context) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{"count": op(h.manager, r.Context())})
	}
}

func (h *DownloadsHandler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MaxConcurrent int `json:"max_concurrent"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"), "")

		return
	}

	if err := h.manager.SetCapacity(r.Context(), body.MaxConcurrent); err != nil {
		writeError(w, r, statusFor(err), err, "")

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"max_concurrent": h.manager.Capacity()})
}

func (h *DownloadsHandler) handleHeaders(w http.ResponseWriter, r *http.Request) {
	var headers map[string]string
	if err := json.NewDecoder(r.Body).Decode(&headers); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"), "")

		return
	}

	h.manager.SetHeaders(headers)
	writeJSON(w, http.StatusOK, h.manager.Headers())
}

func (h *DownloadsHandler) handleGetHeaders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Headers())
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, transfer.ErrNotFound):
		return http.StatusNotFound
	case transfer.IsDuplicate(err), transfer.IsInvalidTransition(err):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrInvalidCapacity), transfer.IsOutsideDir(err):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func toDownload(t transfer.Transfer) Download {
	return Download{
		ID:          t.ID,
		URL:         t.URL,
		Destination: t.Destination,
		Status:      t.Status,
		Progress:    t.Progress,
		Speed:       t.Speed,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(v) //nolint:errcheck // headers are already sent
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error, id string) {
	writeJSON(w, status, errorResponse{
		Error:     err.Error(),
		ID:        id,
		RequestID: telemetry.GetRequestID(r.Context()),
	})
}

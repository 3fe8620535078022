package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gezibash/drop/internal/blobstore"
	"github.com/gezibash/drop/internal/drop"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/storage"
)

var errNoFilePart = errors.New("no file part in multipart body")

type handler struct {
	svc        *drop.Service
	publicURL  string
	maxRequest int64
}

// NewHandler routes the drop endpoints. Requests are traced and measured
// when metrics is non-nil.
func NewHandler(svc *drop.Service, cfg Config, metrics *observability.Metrics) http.Handler {
	h := &handler{svc: svc, publicURL: cfg.PublicURL, maxRequest: cfg.MaxRequestSize}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /drop", h.upload)
	mux.HandleFunc("GET /drop/{id}", h.download)
	mux.HandleFunc("DELETE /drop/{id}", h.delete)
	mux.HandleFunc("GET /health", h.health)

	if metrics == nil {
		return mux
	}
	return observability.HTTPMiddleware(metrics, mux)
}

type uploadResponse struct {
	ID        string     `json:"id"`
	ShortURL  string     `json:"short_url"`
	FullURL   string     `json:"full_url"`
	Filename  string     `json:"filename"`
	Size      int64      `json:"size"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) upload(w http.ResponseWriter, r *http.Request) {
	if h.maxRequest > 0 {
		if r.ContentLength > h.maxRequest {
			writeError(w, r, fmt.Errorf("%w: request of %s, limit %s", drop.ErrSizeExceeded,
				storage.FormatBytes(r.ContentLength), storage.FormatBytes(h.maxRequest)))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequest)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", drop.ErrInvalidInput, err))
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer part.Close()

	size := int64(-1)
	if cl := part.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			size = n
		}
	}

	res, err := h.svc.Upload(r.Context(), drop.UploadRequest{
		Body:        part,
		Size:        size,
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		ClientAddr:  r.RemoteAddr,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := uploadResponse{
		ID:       res.ID.String(),
		ShortURL: h.publicURL + "/drop/" + res.ShortCode,
		FullURL:  h.publicURL + "/drop/" + res.ID.String(),
		Filename: res.Filename,
		Size:     res.Size,
	}
	if !res.ExpiresAt.IsZero() {
		resp.ExpiresAt = &res.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// nextFilePart skips form fields up to the first part carrying a filename.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", drop.ErrInvalidInput, errNoFilePart)
		}
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", drop.ErrInvalidInput, err)
		}
		if part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Download(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer dl.Body.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", dl.ContentType)
	hdr.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	hdr.Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		slog.WarnContext(r.Context(), "download interrupted", "blob_id", dl.ID, "error", err)
	}
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}

func statusFor(err error) int {
	var (
		rl  *drop.RateLimitError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &rl):
		return http.StatusTooManyRequests
	case errors.Is(err, drop.ErrSizeExceeded), errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, drop.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, drop.ErrInvalidInput),
		errors.Is(err, blobstore.ErrTruncated),
		errors.Is(err, blobstore.ErrOverrun):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()

	var rl *drop.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.RetryAfter)))
	}

	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	} else {
		slog.DebugContext(r.Context(), "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg})
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

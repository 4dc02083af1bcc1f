package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// ArchiveTrigger queues an archive run.
type ArchiveTrigger interface {
	Trigger() bool
}

// ArchiveReader lists and reads archived objects.
type ArchiveReader interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// ArchiveHandler exposes the manual archive trigger, the archive listing
// and object download. Either dependency may be nil.
type ArchiveHandler struct {
	archiver ArchiveTrigger
	reader   ArchiveReader
	logger   *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(archiver ArchiveTrigger, reader ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, reader: reader, logger: logger}
}

// TriggerArchive queues one archive run. A run already queued is not
// duplicated.
// POST /api/archive/trigger
func (h *ArchiveHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, "archiving is disabled")
		return
	}
	queued := h.archiver.Trigger()
	h.logger.InfoContext(r.Context(), "archive trigger requested", slog.Bool("queued", queued))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued":       queued,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

type archiveObject struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListArchives lists archive files, optionally for one kind
// (?kind=positions|alerts).
// GET /api/archive
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}

	prefix := "archive/"
	switch kind := strings.ToLower(r.URL.Query().Get("kind")); kind {
	case "":
	case "positions", "alerts":
		prefix += kind + "/"
	default:
		writeError(w, http.StatusBadRequest, "kind must be positions or alerts")
		return
	}

	infos, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list archives failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "list archives failed")
		return
	}
	out := make([]archiveObject, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveObject{Path: info.Path, Size: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": out})
}

// DownloadArchive streams one archive object (?path=archive/...) as JSONL.
// GET /api/archive/object
func (h *ArchiveHandler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, http.StatusServiceUnavailable, "object storage is not configured")
		return
	}
	key := r.URL.Query().Get("path")
	if !strings.HasPrefix(key, "archive/") || strings.Contains(key, "..") {
		writeError(w, http.StatusBadRequest, "path must name an object under archive/")
		return
	}

	body, err := h.reader.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive object not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "read archive failed",
			slog.String("path", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "read archive failed")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+path.Base(key)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "archive download interrupted",
			slog.String("path", key),
			slog.String("error", err.Error()),
		)
	}
}

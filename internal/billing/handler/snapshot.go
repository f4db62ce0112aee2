package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bachixxx/coachbilling/internal/backup"
	"github.com/bachixxx/coachbilling/internal/billing/model"
	"github.com/bachixxx/coachbilling/internal/billing/store"
)

type SnapshotRunner interface {
	Status() backup.Status
	Run(ctx context.Context) (*model.Snapshot, error)
	Download(ctx context.Context, id int64) (io.ReadCloser, int64, error)
}

// SnapshotHandler exposes ledger snapshots to support staff.
type SnapshotHandler struct {
	runner SnapshotRunner
	stores *store.Stores
	logger *slog.Logger
}

func NewSnapshotHandler(runner SnapshotRunner, stores *store.Stores, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{runner: runner, stores: stores, logger: logger}
}

// List handles GET /api/snapshots.
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	snaps, err := h.stores.Snapshots.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list snapshots", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load snapshots")
		return
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    h.runner.Status(),
		"snapshots": snaps,
	})
}

// Create handles POST /api/snapshots by running a snapshot immediately.
func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	clearWriteDeadline(w)
	snap, err := h.runner.Run(r.Context())
	switch {
	case errors.Is(err, backup.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "snapshots are not configured")
	case errors.Is(err, backup.ErrInProgress):
		writeError(w, http.StatusConflict, "a snapshot is already running")
	case err != nil:
		h.logger.Error("run snapshot", "error", err)
		writeError(w, http.StatusBadGateway, "snapshot failed")
	default:
		writeJSON(w, http.StatusCreated, snap)
	}
}

// Download handles GET /api/snapshots/{id}/download. The body stays
// encrypted; decrypt it offline with the decrypt-snapshot command.
func (h *SnapshotHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid snapshot id")
		return
	}

	clearWriteDeadline(w)
	body, size, err := h.runner.Download(r.Context(), id)
	switch {
	case errors.Is(err, backup.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "snapshots are not configured")
		return
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	case err != nil:
		h.logger.Error("download snapshot", "id", id, "error", err)
		writeError(w, http.StatusBadGateway, "download failed")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="snapshot-%d.db.enc"`, id))
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("stream snapshot", "id", id, "error", err)
	}
}

// clearWriteDeadline lifts the server write timeout, which is sized for
// webhooks, for slow snapshot transfers.
func clearWriteDeadline(w http.ResponseWriter) {
	http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"inventory-backup/internal/backup"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes bounds request bodies; restore requests are tiny
const maxBodyBytes = 64 << 10

// ErrorBody is the JSON shape of every failed response
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload describes a failure
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ListResponse is returned by GET /api/backups
type ListResponse struct {
	Backups []*backup.SnapshotRecord `json:"backups"`
	Stats   *backup.StoreStats       `json:"stats"`
}

// SubResult is the outcome of one source in a manual backup. Exactly one of
// Snapshot and Error is set.
type SubResult struct {
	OK       bool                   `json:"ok"`
	Snapshot *backup.SnapshotRecord `json:"snapshot,omitempty"`
	Error    *ErrorPayload          `json:"error,omitempty"`
}

// ManualResponse is returned by POST /api/backups/manual
type ManualResponse struct {
	Database SubResult  `json:"database"`
	Assets   *SubResult `json:"assets,omitempty"`
}

// RestoreRequest is the body of POST /api/backups/restore
type RestoreRequest struct {
	BackupFilename string `json:"backupFilename"`
}

// manualRequest is the optional body of POST /api/backups/manual
type manualRequest struct {
	Label string `json:"label"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error category onto an HTTP status
func statusFor(err error) int {
	switch backup.ErrorType(err) {
	case backup.BackupErrorTypeNotFound:
		return http.StatusNotFound
	case backup.BackupErrorTypeInProgress:
		return http.StatusConflict
	case backup.BackupErrorTypeInvalidArgument:
		return http.StatusBadRequest
	case backup.BackupErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorPayload(err error) *ErrorPayload {
	payload := &ErrorPayload{Type: string(backup.ErrorType(err)), Message: err.Error()}
	if payload.Type == "" {
		payload.Type = "INTERNAL"
	}
	var backupErr *backup.BackupError
	if errors.As(err, &backupErr) {
		payload.Message = backupErr.Message
	}
	return payload
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorBody{Error: *errorPayload(err)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listFilter(r *http.Request) (backup.ListFilter, error) {
	query := r.URL.Query()
	filter := backup.ListFilter{Source: query.Get("source")}

	if raw := query.Get("tier"); raw != "" {
		tier, err := backup.ParseTier(raw)
		if err != nil {
			return filter, backup.NewInvalidArgumentError(err.Error(), nil)
		}
		filter.Tier = tier
	}
	if raw := query.Get("kind"); raw != "" {
		kind, err := backup.ParseKind(raw)
		if err != nil {
			return filter, backup.NewInvalidArgumentError(err.Error(), nil)
		}
		filter.Kind = kind
	}
	return filter, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := listFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	records, err := s.store.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*backup.SnapshotRecord{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Backups: records, Stats: backup.ComputeStats(records)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.Get(mux.Vars(r)["filename"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeError(w, backup.NewNotFoundError("verification is not enabled", nil))
		return
	}

	result, err := s.verifier.Verify(r.Context(), mux.Vars(r)["filename"])
	if result == nil {
		if err == nil {
			err = backup.NewBackupError(backup.BackupErrorTypeOperationFailed, "verification returned no result", nil)
		}
		writeError(w, err)
		return
	}
	// an unreadable snapshot is a valid answer, not a server failure
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, backup.NewInvalidArgumentError("request body is not valid JSON", err))
			return
		}
	}
	opts := backup.ExecuteOptions{Adhoc: true, Label: strings.TrimSpace(req.Label)}

	response := ManualResponse{}
	assetsSource, withAssets := s.backupper.AssetsSource()
	if withAssets {
		response.Assets = &SubResult{}
	}

	// each source reports independently; the group only joins them
	var group errgroup.Group
	group.Go(func() error {
		response.Database = s.runManual(r.Context(), s.backupper.DatabaseSource(), opts)
		return nil
	})
	if withAssets {
		group.Go(func() error {
			*response.Assets = s.runManual(r.Context(), assetsSource, opts)
			return nil
		})
	}
	_ = group.Wait()

	status := http.StatusOK
	if !response.Database.OK && (response.Assets == nil || !response.Assets.OK) {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, response)
}

func (s *Server) runManual(ctx context.Context, source backup.Source, opts backup.ExecuteOptions) SubResult {
	record, err := s.backupper.Execute(ctx, source, opts)
	if err != nil {
		s.logger.WithContext(ctx).WithField("source", source.Name).WithError(err).Warn("Manual backup failed")
		return SubResult{Error: errorPayload(err)}
	}
	return SubResult{OK: true, Snapshot: record}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, backup.NewInvalidArgumentError("request body must be {\"backupFilename\": \"...\"}", err))
		return
	}
	req.BackupFilename = strings.TrimSpace(req.BackupFilename)
	if req.BackupFilename == "" {
		writeError(w, backup.NewInvalidArgumentError("backupFilename is required", nil))
		return
	}

	result, err := s.restorer.Restore(r.Context(), req.BackupFilename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

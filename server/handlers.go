package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
	"github.com/portalis/dirimport/session"
)

// maxUploadBytes caps the CSV payload accepted by the import endpoint
const maxUploadBytes = 64 << 20

// handleCreateImport starts a new import session from an uploaded CSV. The
// body is either a multipart form with a "file" part or the raw CSV itself.
// The session runs on the server's lifetime context, not the request's, so
// it survives the response.
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	input, closeInput, err := importBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer closeInput()

	sess, err := s.runner.Launch(s.ctx, s.registry, input, ingest.Options{
		UniqueColumn:     s.cfg.Import.UniqueColumn,
		PopulationColumn: s.cfg.Import.PopulationColumn,
	})
	if err != nil {
		// A structural parse failure aborts before any session exists
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Infow("Import session started",
		"session_id", shortID(sess.ID),
		"total", sess.Counts().Total,
	)
	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

// importBody picks the CSV stream out of the request
func importBody(w http.ResponseWriter, r *http.Request) (io.Reader, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, nil, errors.Wrap(err, "failed to parse multipart form")
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, nil, errors.Wrap(err, "multipart form is missing a \"file\" part")
		}
		return file, func() { file.Close() }, nil
	}

	return r.Body, func() {}, nil
}

// handleListImports returns snapshots of all non-terminal sessions
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	active := s.registry.ListActive()
	snapshots := make([]session.Snapshot, 0, len(active))
	for _, sess := range active {
		snapshots = append(snapshots, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": snapshots,
		"count":    len(snapshots),
	})
}

// handleGetImport returns one session snapshot. This is also the poll
// transport: a client that lost every push channel falls back to calling
// this on an interval.
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleCancelImport requests cooperative cancellation. The run loop honors
// it at the next record boundary, so the response is an acceptance, not a
// completion.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Cancel(id); err != nil {
		if errors.IsSessionNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancellation requested",
	})
}

// handleListRecords returns the per-record outcomes of a session in line
// order, the raw material for a downloadable result list. Served from the
// store when persistence is wired; otherwise from memory once the session
// is terminal and its records can no longer change.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var records []*ingest.Record
	if s.store != nil {
		var err error
		records, err = s.store.ListRecords(sess.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		if !sess.Status().Terminal() {
			writeError(w, http.StatusConflict, "record outcomes are available once the session is terminal")
			return
		}
		records = sess.Dataset().Records
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sess.ID,
		"records":    records,
		"count":      len(records),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": len(s.registry.ListActive()),
	})
}

// lookupSession resolves the {id} route parameter, writing a 404 on miss
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

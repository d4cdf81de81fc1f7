package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"instrumentq/internal/domain"
	"instrumentq/internal/driver"
	"instrumentq/internal/registry"
	"instrumentq/internal/usecase"
)

const (
	maxBodyBytes        = 8 << 20
	defaultArchiveLimit = 50
	maxArchiveLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine errors onto status codes.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case usecase.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, usecase.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := s.tokens.Issue(req.Username, req.Password)
	switch {
	case errors.Is(err, ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "bad password")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Ctx(r.Context()).Info().Str("user", req.Username).Msg("issued login token")
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLoginTest(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Info().Str("user", UserFrom(r.Context())).Msg("login test successful")
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var task domain.Task
	if !decodeJSON(w, r, &task) {
		return
	}
	if task == nil {
		writeError(w, http.StatusBadRequest, "task body must be a JSON object")
		return
	}

	var opts usecase.EnqueueOptions
	if raw, ok := task[domain.KeyUUID]; ok {
		id, isString := raw.(string)
		if !isString || id == "" {
			writeError(w, http.StatusBadRequest, "uuid must be a non-empty string")
			return
		}
		opts.UUID = id
	}
	if raw, ok := task[domain.KeyQueueLoc]; ok && raw != nil {
		f, isNumber := raw.(float64)
		if !isNumber || f < 0 || f != float64(int(f)) {
			writeError(w, http.StatusBadRequest, "queue_loc must be a non-negative integer")
			return
		}
		pos := int(f)
		opts.Position = &pos
	}

	id, err := s.engine.Enqueue(r.Context(), task, opts)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("user", UserFrom(r.Context())).Str("uuid", id).Msg("enqueued task")
	writeText(w, http.StatusOK, id)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	withIteration, _ := strconv.ParseBool(r.URL.Query().Get("with_iteration"))
	if !withIteration {
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
		return
	}
	// read the iteration first so a change in between is seen on the next poll
	it := s.engine.Iteration()
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, []any{it, snap.History, snap.Running, snap.Pending})
}

func (s *Server) handleGetQueueIteration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Iteration())
}

func (s *Server) handleQueueState(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, string(s.engine.State()))
}

type stateRequest struct {
	State *bool `json:"state"`
}

func (s *Server) decodeState(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var req stateRequest
	if !decodeJSON(w, r, &req) {
		return false, false
	}
	if req.State == nil {
		writeError(w, http.StatusBadRequest, "missing boolean state")
		return false, false
	}
	return *req.State, true
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	state, ok := s.decodeState(w, r)
	if !ok {
		return
	}
	s.engine.Pause(state)
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	state, ok := s.decodeState(w, r)
	if !ok {
		return
	}
	s.engine.Debug(state)
	writeText(w, http.StatusOK, "Success")
}

type uuidRef struct {
	UUID string `json:"uuid"`
}

type reorderRequest struct {
	PriorState string    `json:"prior_state"`
	Queue      []uuidRef `json:"queue"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prior := s.engine.State()
	if req.PriorState != "" {
		var err error
		if prior, err = domain.ParseQueueState(req.PriorState); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	uuids := make([]string, len(req.Queue))
	for i, ref := range req.Queue {
		uuids[i] = ref.UUID
	}
	if err := s.engine.Reorder(prior, uuids); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	var req uuidRef
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.RemoveItems(req.UUID); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleRemoveItems(w http.ResponseWriter, r *http.Request) {
	var req []uuidRef
	if !decodeJSON(w, r, &req) {
		return
	}
	uuids := make([]string, len(req))
	for i, ref := range req {
		uuids[i] = ref.UUID
	}
	if err := s.engine.RemoveItems(uuids...); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Success")
}

type moveRequest struct {
	UUID string `json:"uuid"`
	Pos  *int   `json:"pos"`
}

func (s *Server) handleMoveItem(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Pos == nil || *req.Pos < 0 {
		writeError(w, http.StatusBadRequest, "pos must be a non-negative integer")
		return
	}
	if err := s.engine.MoveItem(req.UUID, *req.Pos); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearQueue()
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearHistory()
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	log.Ctx(r.Context()).Info().Str("user", UserFrom(r.Context())).Msg("halt requested")
	s.engine.Halt()
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) commander(w http.ResponseWriter) (driver.Commander, bool) {
	c, ok := s.engine.Driver().(driver.Commander)
	if !ok {
		writeError(w, http.StatusNotFound, "driver does not publish commands")
	}
	return c, ok
}

func (s *Server) handleQueuedCommands(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.commander(w); ok {
		writeJSON(w, http.StatusOK, c.Queued().Specs())
	}
}

func (s *Server) handleUnqueuedCommands(w http.ResponseWriter, r *http.Request) {
	if c, ok := s.commander(w); ok {
		writeJSON(w, http.StatusOK, c.Unqueued().Specs())
	}
}

// handleUnqueued runs an unqueued command synchronously. GET takes arguments
// from the query string, POST from a JSON object body.
func (s *Server) handleUnqueued(w http.ResponseWriter, r *http.Request) {
	c, ok := s.commander(w)
	if !ok {
		return
	}
	name := chi.URLParam(r, "command")

	args := map[string]any{}
	if r.Method == http.MethodPost && r.ContentLength != 0 {
		if !decodeJSON(w, r, &args) {
			return
		}
	} else {
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				args[key] = values[len(values)-1]
			}
		}
	}

	result, err := c.Unqueued().Call(r.Context(), name, args)
	switch {
	case errors.Is(err, registry.ErrUnknownCommand):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrMissingArgument), errors.Is(err, registry.ErrUnexpectedArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		log.Ctx(r.Context()).Error().Err(err).Str("command", name).Msg("unqueued command failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Driver().Status()
	if status == nil {
		status = []string{}
	}
	writeJSON(w, http.StatusOK, status)
}

type infoResponse struct {
	Name       string            `json:"name"`
	Driver     string            `json:"driver"`
	Experiment string            `json:"experiment"`
	Contact    string            `json:"contact"`
	Devices    []string          `json:"devices"`
	QueueState domain.QueueState `json:"queue_state"`
	Queue      domain.Snapshot   `json:"queue"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	devices := []string{}
	if d, ok := s.engine.Driver().(driver.DeviceLister); ok {
		devices = d.Devices()
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Name:       s.info.Name,
		Driver:     s.engine.Driver().Name(),
		Experiment: s.info.Experiment,
		Contact:    s.info.Contact,
		Devices:    devices,
		QueueState: s.engine.State(),
		Queue:      s.engine.Snapshot(),
	})
}

func (s *Server) handleServerTime(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, s.now().Format("15:04:05 - 06/01/02"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Server is live.")
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	limit := defaultArchiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = min(n, maxArchiveLimit)
	}
	archive := s.engine.Archive()
	if archive == nil {
		writeJSON(w, http.StatusOK, []domain.Package{})
		return
	}
	pkgs, err := archive.Recent(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) dropbox(w http.ResponseWriter) (*driver.Dropbox, bool) {
	d, ok := s.engine.Driver().(driver.Dropboxer)
	if !ok || d.Dropbox() == nil {
		writeError(w, http.StatusNotFound, "driver has no dropbox")
		return nil, false
	}
	return d.Dropbox(), true
}

type depositRequest struct {
	Obj  json.RawMessage `json:"obj"`
	UUID string          `json:"uuid"`
}

func (s *Server) handleDepositObj(w http.ResponseWriter, r *http.Request) {
	box, ok := s.dropbox(w)
	if !ok {
		return
	}
	var req depositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Obj) == 0 {
		writeError(w, http.StatusBadRequest, "missing obj")
		return
	}
	var obj any
	if err := json.Unmarshal(req.Obj, &obj); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := box.Deposit(obj, req.UUID)
	log.Ctx(r.Context()).Info().Str("user", UserFrom(r.Context())).Str("uuid", id).Msg("object stored in dropbox")
	writeText(w, http.StatusOK, id)
}

type retrieveRequest struct {
	UUID   string `json:"uuid"`
	Delete *bool  `json:"delete"`
}

func (s *Server) handleRetrieveObj(w http.ResponseWriter, r *http.Request) {
	box, ok := s.dropbox(w)
	if !ok {
		return
	}
	var req retrieveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	remove := req.Delete == nil || *req.Delete
	obj, found := box.Retrieve(req.UUID, remove)
	if !found {
		writeError(w, http.StatusNotFound, "nothing in dropbox under this uuid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"obj": obj})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/qvcloud/portfolio/internal/project"
)

const maxProjectBytes = 1 << 20

type projectHandler struct {
	store  project.Store
	logger *slog.Logger
}

func (h *projectHandler) register(r *mux.Router) {
	r.HandleFunc("/projects", h.list).Methods(http.MethodGet)
	r.HandleFunc("/projects", h.create).Methods(http.MethodPost)
	r.HandleFunc("/projects/bulk", h.createMany).Methods(http.MethodPost)
	r.HandleFunc("/projects/{id:[0-9]+}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/projects/{id:[0-9]+}", h.update).Methods(http.MethodPut)
	r.HandleFunc("/projects/{id:[0-9]+}", h.delete).Methods(http.MethodDelete)
}

func projectID(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	return id, err == nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProjectBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeValidation(w http.ResponseWriter, err error) bool {
	var verr *project.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": verr.Fields})
		return true
	}
	return false
}

func conflict(w http.ResponseWriter, title string) {
	writeJSON(w, http.StatusConflict, map[string]string{
		"message": fmt.Sprintf("Project with title '%s' already exists.", title),
	})
}

func (h *projectHandler) internal(w http.ResponseWriter, op string, err error) {
	h.logger.Error("project "+op+" failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (h *projectHandler) list(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.List(r.Context())
	if err != nil {
		h.internal(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *projectHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	p, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case err != nil:
		h.internal(w, "get", err)
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

func (h *projectHandler) create(w http.ResponseWriter, r *http.Request) {
	var in project.Input
	if !decode(w, r, &in) {
		return
	}
	if writeValidation(w, in.Validate()) {
		return
	}

	p, err := h.store.Create(r.Context(), in)
	switch {
	case project.IsUniqueConstraintViolation(err):
		h.logger.Warn("project title already exists", slog.String("title", in.Title))
		conflict(w, in.Title)
	case err != nil:
		h.internal(w, "create", err)
	default:
		w.Header().Set("Location", fmt.Sprintf("/api/projects/%d", p.ID))
		writeJSON(w, http.StatusCreated, p)
	}
}

func (h *projectHandler) createMany(w http.ResponseWriter, r *http.Request) {
	var in []project.Input
	if !decode(w, r, &in) {
		return
	}
	if len(in) == 0 {
		writeError(w, http.StatusBadRequest, "Project list cannot be empty.")
		return
	}
	for _, i := range in {
		if writeValidation(w, i.Validate()) {
			return
		}
	}

	projects, err := h.store.CreateMany(r.Context(), in)
	switch {
	case project.IsUniqueConstraintViolation(err):
		writeJSON(w, http.StatusConflict, map[string]string{
			"message": "One or more projects have titles that already exist.",
		})
	case err != nil:
		h.internal(w, "bulk create", err)
	default:
		writeJSON(w, http.StatusOK, projects)
	}
}

func (h *projectHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}
	var in project.Input
	if !decode(w, r, &in) {
		return
	}
	if writeValidation(w, in.Validate()) {
		return
	}

	err := h.store.Update(r.Context(), id, in)
	switch {
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case project.IsUniqueConstraintViolation(err):
		conflict(w, in.Title)
	case err != nil:
		h.internal(w, "update", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *projectHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(r)
	if !ok {
		writeError(w, http.StatusNotFound, "project not found")
		return
	}

	err := h.store.Delete(r.Context(), id)
	switch {
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, "project not found")
	case err != nil:
		h.internal(w, "delete", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/assessor/internal/definition"
	"github.com/pitabwire/assessor/model"
)

func handleDefinitionList(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := defs.List(r.Context(), r.URL.Query().Get("active") == "true")
		respond(w, http.StatusOK, newListResponse(list, 0, 0), err)
	}
}

func handleDefinitionCreate(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def); err != nil {
			WriteError(w, err)
			return
		}
		created, err := defs.Create(r.Context(), def)
		respond(w, http.StatusCreated, created, err)
	}
}

// handleDefinitionGet serves the current revision, or an older one selected
// with ?version=N.
func handleDefinitionGet(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")
		raw := r.URL.Query().Get("version")
		if raw == "" {
			def, err := defs.Get(r.Context(), id)
			respond(w, http.StatusOK, def, err)
			return
		}
		version, err := strconv.Atoi(raw)
		if err != nil || version < 1 {
			WriteError(w, model.NewBadRequestError("version must be a positive integer"))
			return
		}
		def, err := defs.GetRevision(r.Context(), id, version)
		respond(w, http.StatusOK, def, err)
	}
}

// handleDefinitionUpdate stores a new revision; the path id wins over any id
// in the body.
func handleDefinitionUpdate(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def); err != nil {
			WriteError(w, err)
			return
		}
		def.ID = chi.URLParam(r, "definitionId")
		updated, err := defs.Update(r.Context(), def)
		respond(w, http.StatusOK, updated, err)
	}
}

func handleDefinitionSetActive(defs *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IsActive *bool `json:"is_active"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.IsActive == nil {
			WriteError(w, model.NewValidationError([]model.FieldError{{
				Field: "is_active", Code: "required", Message: "is_active is required",
			}}))
			return
		}
		def, err := defs.SetActive(r.Context(), chi.URLParam(r, "definitionId"), *body.IsActive)
		respond(w, http.StatusOK, def, err)
	}
}

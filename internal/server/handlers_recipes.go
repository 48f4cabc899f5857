package server

import (
	"net/http"

	"github.com/dandori-ai/dandori/internal/model"
	"github.com/dandori-ai/dandori/internal/recipe"
)

// HandleCreateRecipe handles POST /v1/recipes. An invalid document is
// rejected with 422 and the full violation list; nothing is stored.
func (h *Handlers) HandleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	var req model.SaveRecipeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	rcp, err := h.db.CreateRecipe(r.Context(), req.Name, req.Document)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rcp)
}

// HandleListRecipes handles GET /v1/recipes.
func (h *Handlers) HandleListRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := h.db.ListRecipes(r.Context())
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, recipes)
}

// validateRecipeResponse is the body returned by recipe validation.
type validateRecipeResponse struct {
	Valid  bool                     `json:"valid"`
	Errors []recipe.ValidationError `json:"errors,omitempty"`
}

// HandleValidateRecipe handles POST /v1/recipes/validate. It reports
// every violation in the document, not just the first.
func (h *Handlers) HandleValidateRecipe(w http.ResponseWriter, r *http.Request) {
	var req model.SaveRecipeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	verrs := recipe.Validate(req.Document)
	writeJSON(w, r, http.StatusOK, validateRecipeResponse{
		Valid:  len(verrs) == 0,
		Errors: verrs,
	})
}

// HandleGetRecipe handles GET /v1/recipes/{recipe_id}.
func (h *Handlers) HandleGetRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "recipe_id")
	if !ok {
		return
	}
	rcp, err := h.db.GetRecipe(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rcp)
}

// HandleUpdateRecipe handles PUT /v1/recipes/{recipe_id}. Invalid
// documents are rejected; the version advances only when the document
// content actually changed.
func (h *Handlers) HandleUpdateRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "recipe_id")
	if !ok {
		return
	}
	var req model.SaveRecipeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	rcp, err := h.db.UpdateRecipe(r.Context(), id, req.Name, req.Document)
	if err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rcp)
}

// HandleDeleteRecipe handles DELETE /v1/recipes/{recipe_id}. Deletion
// is refused while any workflow still references the recipe.
func (h *Handlers) HandleDeleteRecipe(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "recipe_id")
	if !ok {
		return
	}
	if err := h.db.DeleteRecipe(r.Context(), id); err != nil {
		writeStoreError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

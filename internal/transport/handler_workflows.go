package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/queuescope/queuescope/model"
)

// handleListWorkflows returns all workflow definitions, priority
// descending.
func (h *handlers) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := h.deps.WorkflowStore.ListWorkflows(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if wfs == nil {
		wfs = []model.WorkflowDefinition{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"workflows": wfs})
}

// handleGetWorkflow returns one workflow definition.
func (h *handlers) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.deps.WorkflowStore.Workflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, wf)
}

// handleListExecutions returns recent execution audit rows, optionally
// restricted to one workflow via workflow_id.
func (h *handlers) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow_id")
	limit := intParam(r, "limit", 100, 1, 1000)

	execs, err := h.deps.WorkflowStore.ListExecutions(r.Context(), workflowID, limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	if execs == nil {
		execs = []model.WorkflowExecution{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

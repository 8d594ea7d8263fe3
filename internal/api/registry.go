package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/secrets"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgentDefinitions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []*model.AgentDefinition{}
	}
	writeOK(w, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := s.store.GetAgentDefinition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, apierr.NotFound("agent definition %s not found", id))
		return
	}
	writeOK(w, agent)
}

func (s *Server) handleSaveAgent(w http.ResponseWriter, r *http.Request) {
	var agent model.AgentDefinition
	if err := decodeBody(r, &agent); err != nil {
		writeError(w, err)
		return
	}
	if agent.ID == "" {
		writeError(w, apierr.InvalidInput("agent definition id is required"))
		return
	}
	if agent.Runtime == "" {
		agent.Runtime = model.RuntimeNative
	}
	if err := s.store.SaveAgentDefinition(r.Context(), &agent); err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, &agent)
}

// handleAgentDispatchable reports whether every required env var of an
// agent is satisfiable right now: locally resolvable, or advertised by a
// live worker supporting the agent.
func (s *Server) handleAgentDispatchable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	agent, err := s.store.GetAgentDefinition(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent == nil {
		writeError(w, apierr.NotFound("agent definition %s not found", id))
		return
	}
	ok, missing, err := s.registry.CanDispatch(r.Context(), agent, func(name string) bool {
		_, found, rerr := s.resolver.Resolve(r.Context(), name, secrets.Scope{AgentDefinitionID: id})
		return rerr == nil && found
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if missing == nil {
		missing = []string{}
	}
	writeOK(w, map[string]any{
		"dispatchable":   ok,
		"missingEnvVars": missing,
	})
}

// handleSetSecret stores a secret value under an optional agent/repo scope.
// Values are write-only: no endpoint ever returns them.
func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name              string `json:"name"`
		Value             string `json:"value"`
		AgentDefinitionID string `json:"agentDefinitionId"`
		RepoURL           string `json:"repoUrl"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" || body.Value == "" {
		writeError(w, apierr.InvalidInput("name and value are required"))
		return
	}
	if err := s.store.SetSecret(r.Context(), body.Name, body.AgentDefinitionID, body.RepoURL, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, map[string]string{"name": body.Name})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []*model.TaskTemplate{}
	}
	writeOK(w, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	tmpl, err := s.store.GetTemplate(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	if tmpl == nil {
		writeError(w, apierr.NotFound("template %s not found", name))
		return
	}
	writeOK(w, tmpl)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl model.TaskTemplate
	if err := decodeBody(r, &tmpl); err != nil {
		writeError(w, err)
		return
	}
	if err := tmpl.Validate(); err != nil {
		writeError(w, apierr.InvalidInput("%s", err.Error()))
		return
	}
	now := model.Now()
	tmpl.CreatedAt = now
	tmpl.UpdatedAt = now
	if err := s.store.SaveTemplate(r.Context(), &tmpl); err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, &tmpl)
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/camhq/cam/internal/apierr"
	"github.com/camhq/cam/internal/lifecycle"
	"github.com/camhq/cam/internal/model"
	"github.com/camhq/cam/internal/pipeline"
	"github.com/camhq/cam/internal/store"
)

type createTaskBody struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	AgentDefinitionID string   `json:"agentDefinitionId"`
	RepoURL           string   `json:"repoUrl"`
	BaseBranch        string   `json:"baseBranch"`
	WorkBranch        string   `json:"workBranch"`
	WorkDir           string   `json:"workDir"`
	Source            string   `json:"source"`
	DependsOn         []string `json:"dependsOn"`
	GroupID           string   `json:"groupId"`
	TemplateID        string   `json:"templateId"`
	MaxRetries        *int     `json:"maxRetries"`
	Draft             bool     `json:"draft"`
}

// handleCreateTask creates one task, or expands a pipeline template when
// templateId names one.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	actor := actorFrom(r)

	if body.TemplateID != "" {
		tmpl, err := s.store.GetTemplate(r.Context(), body.TemplateID)
		if err != nil {
			writeError(w, err)
			return
		}
		if tmpl == nil {
			writeError(w, apierr.NotFound("template %s not found", body.TemplateID))
			return
		}
		if tmpl.IsPipeline() {
			tasks, err := s.expander.Expand(r.Context(), tmpl, pipeline.Request{
				Title:             body.Title,
				Description:       body.Description,
				RepoURL:           body.RepoURL,
				BaseBranch:        body.BaseBranch,
				WorkBranch:        body.WorkBranch,
				AgentDefinitionID: body.AgentDefinitionID,
				GroupID:           body.GroupID,
				MaxRetries:        body.MaxRetries,
			}, actor)
			if err != nil {
				writeError(w, err)
				return
			}
			writeCreated(w, map[string]any{
				"groupId": tasks[0].GroupID,
				"tasks":   tasks,
			})
			return
		}
		// Single-task template: render title and prompt, fall through to
		// normal creation.
		vars := map[string]string{"title": body.Title, "description": body.Description}
		if body.Title == "" {
			body.Title = model.Render(tmpl.TitleTemplate, vars)
		}
		if body.Description == "" {
			body.Description = model.Render(tmpl.PromptTemplate, vars)
		}
		if body.AgentDefinitionID == "" {
			body.AgentDefinitionID = tmpl.AgentDefinitionID
		}
		if body.MaxRetries == nil {
			mr := tmpl.MaxRetries
			body.MaxRetries = &mr
		}
	}

	task, err := s.lifecycle.CreateTask(r.Context(), lifecycle.CreateTaskRequest{
		Title:             body.Title,
		Description:       body.Description,
		AgentDefinitionID: body.AgentDefinitionID,
		RepoURL:           body.RepoURL,
		BaseBranch:        body.BaseBranch,
		WorkBranch:        body.WorkBranch,
		WorkDir:           body.WorkDir,
		Source:            model.TaskSource(body.Source),
		DependsOn:         body.DependsOn,
		GroupID:           body.GroupID,
		MaxRetries:        body.MaxRetries,
		Draft:             body.Draft,
	}, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeCreated(w, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(r.Context(), store.TaskFilter{
		Status:  model.TaskStatus(q.Get("status")),
		GroupID: q.Get("groupId"),
		Source:  model.TaskSource(q.Get("source")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeOK(w, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeError(w, apierr.NotFound("task %s not found", id))
		return
	}
	writeOK(w, task)
}

type patchTaskBody struct {
	Status      string  `json:"status"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Summary     *string `json:"summary"`
	LogFileURL  *string `json:"logFileUrl"`
	PRURL       *string `json:"prUrl"`
	Feedback    *string `json:"feedback"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body patchTaskBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.lifecycle.UpdateTask(r.Context(), id, lifecycle.TaskPatch{
		Status:      model.TaskStatus(body.Status),
		Title:       body.Title,
		Description: body.Description,
		Summary:     body.Summary,
		LogFileURL:  body.LogFileURL,
		PRURL:       body.PRURL,
		Feedback:    body.Feedback,
	}, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.lifecycle.DeleteTask(r.Context(), id, actorFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"deleted": id})
}

// handlePublishTask moves a draft task into the queue.
func (s *Server) handlePublishTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := s.lifecycle.Publish(r.Context(), id, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeBody(r, &body) // body is optional
	task, err := s.lifecycle.Cancel(r.Context(), id, body.Reason, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) handleRerunTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Feedback string `json:"feedback"`
	}
	_ = decodeBody(r, &body) // body is optional
	task, err := s.lifecycle.Rerun(r.Context(), id, body.Feedback, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) handleReviewTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Action   string `json:"action"`
		Merge    bool   `json:"merge"`
		Feedback string `json:"feedback"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.lifecycle.Review(r.Context(), id, lifecycle.ReviewRequest{
		Action:   body.Action,
		Merge:    body.Merge,
		Feedback: body.Feedback,
	}, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status     string `json:"status"`
		Summary    string `json:"summary"`
		LogFileURL string `json:"logFileUrl"`
		PRURL      string `json:"prUrl"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.lifecycle.ReportStatus(r.Context(), id, lifecycle.StatusReport{
		Status:     model.TaskStatus(body.Status),
		Summary:    body.Summary,
		LogFileURL: body.LogFileURL,
		PRURL:      body.PRURL,
	}, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, task)
}

func (s *Server) handleAppendTaskLog(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Line string `json:"line"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Line == "" {
		writeError(w, apierr.InvalidInput("line is required"))
		return
	}
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if task == nil {
		writeError(w, apierr.NotFound("task %s not found", id))
		return
	}
	if err := s.store.AppendTaskLog(r.Context(), id, body.Line, model.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"taskId": id})
}

func (s *Server) handleListTaskLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logs, err := s.store.ListTaskLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*model.TaskLog{}
	}
	writeOK(w, logs)
}

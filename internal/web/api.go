package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LupusDei/adjutant/internal/beads"
	"github.com/LupusDei/adjutant/internal/bridge"
	"github.com/LupusDei/adjutant/internal/errs"
	"github.com/LupusDei/adjutant/internal/mcp"
	"github.com/LupusDei/adjutant/internal/project"
	"github.com/LupusDei/adjutant/internal/status"
	"github.com/LupusDei/adjutant/internal/store"
)

// Server holds the components the REST handlers operate on.
type Server struct {
	Store    *store.Store
	Gateway  *beads.Gateway
	Projects *project.Registry
	Bridge   *bridge.Bridge
	Registry *mcp.Registry
	Status   status.Provider
	Mail     status.MailTransport

	APIKey         string
	PublicPrefixes []string
}

// Routes registers every REST endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/messages", s.getMessages)
	mux.HandleFunc("POST /api/messages", s.postMessage)
	mux.HandleFunc("GET /api/messages/unread", s.getUnread)
	mux.HandleFunc("GET /api/messages/search", s.searchMessages)
	mux.HandleFunc("POST /api/messages/{id}/read", s.markMessageRead)
	mux.HandleFunc("GET /api/threads", s.getThreads)

	mux.HandleFunc("GET /api/beads", s.getBeads)
	mux.HandleFunc("PATCH /api/beads/{id}", s.patchBead)
	mux.HandleFunc("GET /api/beads/graph", s.getBeadsGraph)
	mux.HandleFunc("GET /api/epics-with-progress", s.getEpics)

	mux.HandleFunc("GET /api/agents", s.getAgents)
	mux.HandleFunc("POST /api/agents/spawn", s.spawnAgent)

	mux.HandleFunc("GET /api/sessions", s.getSessions)
	mux.HandleFunc("POST /api/sessions/{id}/attach", s.attachSession)
	mux.HandleFunc("POST /api/sessions/{id}/detach", s.detachSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.sessionInput)
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", s.sessionInterrupt)
	mux.HandleFunc("POST /api/sessions/{id}/permission", s.sessionPermission)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.killSession)

	mux.HandleFunc("GET /api/status", s.getStatus)
	mux.HandleFunc("POST /api/power/up", s.powerUp)
	mux.HandleFunc("POST /api/power/down", s.powerDown)

	mux.HandleFunc("GET /api/projects", s.getProjects)
	mux.HandleFunc("POST /api/projects", s.postProject)
	mux.HandleFunc("POST /api/projects/{id}/activate", s.activateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.deleteProject)
	mux.HandleFunc("GET /api/projects/{id}/overview", s.projectOverview)

	mux.HandleFunc("GET /api/dashboard", s.getDashboard)

	mux.HandleFunc("POST /api/proposals", s.postProposal)
	mux.HandleFunc("GET /api/proposals", s.getProposals)
	mux.HandleFunc("PATCH /api/proposals/{id}", s.patchProposal)
}

// Auth wraps a handler with API-key enforcement. Paths under a public
// prefix (the MCP endpoint by default) skip the check; everything else
// accepts the key as a bearer token, X-API-Key header, or api_key query.
func (s *Server) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range s.PublicPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.APIKey {
			writeErr(w, errs.New(errs.CodeUnauthorized, "missing or invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- messages ---

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ReadFilter{
		ThreadID: q.Get("thread"),
		AgentID:  normalizeAddress(q.Get("agent_id")),
		BeforeID: q.Get("before_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeErr(w, errs.New(errs.CodeValidation, "limit must be an integer"))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeErr(w, errs.New(errs.CodeValidation, "before must be an RFC3339 timestamp"))
			return
		}
		filter.Before = ts
	}

	msgs, err := s.Store.Read(filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, msgs)
}

type postMessageBody struct {
	To       string `json:"to"`
	Body     string `json:"body"`
	ThreadID string `json:"thread_id,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var body postMessageBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if !isValidAgentID(normalizeAddress(body.To)) {
		writeErr(w, errs.New(errs.CodeValidation, "to: invalid recipient"))
		return
	}
	if !isSafeText(body.Body) {
		writeErr(w, errs.New(errs.CodeValidation, "body: contains control characters"))
		return
	}
	if body.Priority != nil && !isValidPriority(*body.Priority) {
		writeErr(w, errs.New(errs.CodeValidation, "priority: out of range 0..4"))
		return
	}

	// REST sends are always the operator.
	msg, err := s.Store.Insert("user", normalizeAddress(body.To), store.RoleUser, body.Body, store.InsertOptions{
		ThreadID: body.ThreadID,
		Priority: body.Priority,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, msg)
}

func (s *Server) getUnread(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Store.UnreadCounts(normalizeAddress(r.URL.Query().Get("agent_id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, counts)
}

func (s *Server) searchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	msgs, err := s.Store.Search(q.Get("q"), normalizeAddress(q.Get("agent_id")), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, msgs)
}

func (s *Server) markMessageRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidID(id) {
		writeErr(w, errs.New(errs.CodeValidation, "id: invalid message id"))
		return
	}
	if err := s.Store.MarkRead(id); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"message_id": id})
}

func (s *Server) getThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.Store.ListThreads(normalizeAddress(r.URL.Query().Get("agent_id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, threads)
}

// --- beads ---

func (s *Server) getBeads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := beads.ListOptions{
		Status:   q.Get("status"),
		Assignee: q.Get("assignee"),
		Type:     q.Get("type"),
		Rig:      q.Get("rig"),
	}
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	list, err := s.Gateway.List(r.Context(), "", opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, list)
}

type patchBeadBody struct {
	Status string `json:"status"`
}

func (s *Server) patchBead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidID(id) {
		writeErr(w, errs.New(errs.CodeValidation, "id: invalid bead id"))
		return
	}
	var body patchBeadBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Status == "" {
		writeErr(w, errs.New(errs.CodeValidation, "status is required"))
		return
	}

	b, err := s.Gateway.Update(r.Context(), "", id, beads.UpdateOptions{Status: &body.Status})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, b)
}

func (s *Server) getBeadsGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := s.Gateway.BuildGraph(r.Context(), "", beads.ListOptions{
		Status: r.URL.Query().Get("status"),
		Rig:    r.URL.Query().Get("rig"),
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, graph)
}

func (s *Server) getEpics(w http.ResponseWriter, r *http.Request) {
	epics, err := s.Gateway.EpicsWithProgress(r.Context(), "", r.URL.Query().Get("status"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, epics)
}

// --- agents & sessions ---

func (s *Server) getAgents(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Registry.List(r.URL.Query().Get("status")))
}

type spawnBody struct {
	ProjectID string `json:"project_id,omitempty"`
	Rig       string `json:"rig,omitempty"`
	Callsign  string `json:"callsign,omitempty"`
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var body spawnBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	var projectPath, mode string
	switch {
	case body.ProjectID != "":
		p, err := s.Projects.Get(body.ProjectID)
		if err != nil {
			writeErr(w, err)
			return
		}
		projectPath, mode = p.Path, p.Mode
	case body.Rig != "":
		if dir, ok := s.Gateway.PrefixMap().LookupRig(body.Rig); ok {
			projectPath, mode = dir, project.ModeGasTown
		} else {
			writeErr(w, errs.New(errs.CodeNotFound, "rig %q not found", body.Rig))
			return
		}
	default:
		writeErr(w, errs.New(errs.CodeValidation, "project_id or rig is required"))
		return
	}

	if body.Callsign != "" && !isValidID(body.Callsign) {
		writeErr(w, errs.New(errs.CodeValidation, "callsign: invalid name"))
		return
	}

	sess, err := s.Bridge.Create(bridge.CreateOptions{
		ProjectPath: projectPath,
		Mode:        mode,
		Name:        body.Callsign,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, sess)
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Bridge.List())
}

type attachBody struct {
	ClientID string `json:"client_id"`
	Replay   bool   `json:"replay,omitempty"`
}

func (s *Server) attachSession(w http.ResponseWriter, r *http.Request) {
	var body attachBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.ClientID == "" {
		writeErr(w, errs.New(errs.CodeValidation, "client_id is required"))
		return
	}
	replay, err := s.Bridge.Attach(r.PathValue("id"), body.ClientID, body.Replay)
	if err != nil {
		writeErr(w, err)
		return
	}
	if replay == nil {
		replay = []string{}
	}
	writeOK(w, map[string]any{"replay": replay})
}

func (s *Server) detachSession(w http.ResponseWriter, r *http.Request) {
	var body attachBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Bridge.Detach(r.PathValue("id"), body.ClientID); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"detached": true})
}

type sessionInputBody struct {
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
}

func (s *Server) sessionInput(w http.ResponseWriter, r *http.Request) {
	var body sessionInputBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Bridge.Input(r.PathValue("id"), body.ClientID, body.Text); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"queued_or_sent": true})
}

func (s *Server) sessionInterrupt(w http.ResponseWriter, r *http.Request) {
	drop := r.URL.Query().Get("drop_queue") == "true"
	if err := s.Bridge.Interrupt(r.PathValue("id"), drop); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"interrupted": true})
}

type permissionBody struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

func (s *Server) sessionPermission(w http.ResponseWriter, r *http.Request) {
	var body permissionBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.Bridge.Permission(r.PathValue("id"), body.RequestID, body.Approved); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"answered": true})
}

func (s *Server) killSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Bridge.Kill(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"killed": true})
}

// --- status & power ---

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Status.GetStatus()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) powerUp(w http.ResponseWriter, r *http.Request) {
	if err := s.Status.PowerUp(); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"powered": true})
}

func (s *Server) powerDown(w http.ResponseWriter, r *http.Request) {
	if err := s.Status.PowerDown(); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"powered": false})
}

// --- projects ---

func (s *Server) getProjects(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Projects.List())
}

type postProjectBody struct {
	Path     string `json:"path,omitempty"`
	CloneURL string `json:"clone_url,omitempty"`
	Name     string `json:"name,omitempty"`
	Empty    bool   `json:"empty,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

func (s *Server) postProject(w http.ResponseWriter, r *http.Request) {
	var body postProjectBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Name != "" && !isValidID(body.Name) {
		writeErr(w, errs.New(errs.CodeValidation, "name: invalid project name"))
		return
	}

	p, err := s.Projects.Register(project.RegisterOptions{
		Path:     body.Path,
		CloneURL: body.CloneURL,
		Name:     body.Name,
		Empty:    body.Empty,
		Mode:     body.Mode,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, p)
}

func (s *Server) activateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Activate(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, p)
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.Projects.Unregister(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]bool{"unregistered": true})
}

func (s *Server) projectOverview(w http.ResponseWriter, r *http.Request) {
	p, err := s.Projects.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ov, err := s.Gateway.ProjectOverview(r.Context(), p.Path)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, ov)
}

// --- proposals ---

type postProposalBody struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Author      string `json:"author,omitempty"`
}

func (s *Server) postProposal(w http.ResponseWriter, r *http.Request) {
	var body postProposalBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	author := body.Author
	if author == "" {
		author = "user"
	}
	p, err := s.Store.CreateProposal(author, body.Title, body.Description, body.Type)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, p)
}

func (s *Server) getProposals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	props, err := s.Store.ListProposals(q.Get("status"), q.Get("type"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, props)
}

type patchProposalBody struct {
	Status string `json:"status"`
}

func (s *Server) patchProposal(w http.ResponseWriter, r *http.Request) {
	var body patchProposalBody
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	p, err := s.Store.UpdateProposalStatus(r.PathValue("id"), body.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, p)
}

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/corepipe/corepipe/src/manager/lock"
)

// validate checks LockInput's `validate` struct tags before a lease
// request reaches the assignment algorithm.
var validate = validator.New()

// LockInput is the Worker's lease request body (spec.md §6).
type LockInput struct {
	WorkerID  string            `json:"worker_id" validate:"required"`
	Selector  map[string]string `json:"selector,omitempty"`
	Executors []string          `json:"executors,omitempty"`
}

// LockResponse is the Manager's lease response body (spec.md §6).
type LockResponse struct {
	Items              []interface{}                 `json:"items"`
	Resources          []lock.ResourceItem           `json:"resources"`
	ResourcesProviders []lock.ResourcesProviderItem  `json:"resources_providers"`
	Executors          []lock.ExecutorDefinition     `json:"executors"`
}

// ItemsResponse wraps a list for the read-only catalog endpoints
// (`GET /api/topics`, `GET /api/queues`), all sharing this shape.
type ItemsResponse struct {
	Items []interface{} `json:"items"`
}

// TopicCatalog and QueueCatalog are the thin read-side ports the
// Manager's catalog endpoints list from; the concrete store lives
// behind spec.md §1's "SQL-backed stores" collaborator boundary.
type TopicCatalog interface {
	ListTopics() []interface{}
}

type QueueCatalog interface {
	ListQueues() []interface{}
}

// Server wires the Manager's HTTP API: the authenticated lease
// endpoint plus unauthenticated read-only catalog listings.
type Server struct {
	Auth        *AuthService
	MaxAssigned int
	LockOptions func(input lock.Input) lock.Options
	Topics      TopicCatalog
	Queues      QueueCatalog
}

// Router builds the gorilla/mux router, mirroring the teacher's
// src/api/router.go subrouter + middleware layering.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/topics", s.handleTopics).Methods(http.MethodGet)
	r.HandleFunc("/api/queues", s.handleQueues).Methods(http.MethodGet)

	protected := r.PathPrefix("/api/v1").Subrouter()
	protected.Use(AuthMiddleware(s.Auth))
	protected.HandleFunc("/lock", s.handleLock).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	var items []interface{}
	if s.Topics != nil {
		items = s.Topics.ListTopics()
	}
	writeJSON(w, http.StatusOK, ItemsResponse{Items: items})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	var items []interface{}
	if s.Queues != nil {
		items = s.Queues.ListQueues()
	}
	writeJSON(w, http.StatusOK, ItemsResponse{Items: items})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var input LockInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	workerID, _ := WorkerIDFromContext(r.Context())
	if input.WorkerID == "" {
		input.WorkerID = workerID
	}
	if err := validate.Struct(input); err != nil {
		http.Error(w, "invalid lock request: "+err.Error(), http.StatusBadRequest)
		return
	}

	opts := s.LockOptions(lock.Input{WorkerID: input.WorkerID, Selector: input.Selector, Executors: input.Executors})
	if opts.MaxAssignedItems == 0 {
		opts.MaxAssignedItems = s.MaxAssigned
	}

	resp, err := lock.AssignJobs(r.Context(), lock.Input{
		WorkerID:  input.WorkerID,
		Selector:  input.Selector,
		Executors: input.Executors,
	}, opts)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("worker_id", input.WorkerID).Msg("api: lock assignment failed")
		http.Error(w, "lock assignment failed", http.StatusInternalServerError)
		return
	}

	items := make([]interface{}, len(resp.Items))
	for i, item := range resp.Items {
		items[i] = item
	}

	writeJSON(w, http.StatusOK, LockResponse{
		Items:              items,
		Resources:          resp.Resources,
		ResourcesProviders: resp.ResourcesProviders,
		Executors:          resp.Executors,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// DefaultLockOptions is a convenience LockOptions builder for callers
// that don't need to vary options by request.
func DefaultLockOptions(maxAssigned int, static lock.StaticDefinitions, queues lock.QueueStore, jobs lock.JobsStore, join lock.JoinDefinitions) func(lock.Input) lock.Options {
	return func(lock.Input) lock.Options {
		return lock.Options{
			MaxAssignedItems: maxAssigned,
			Static:           static,
			Queues:           queues,
			Jobs:             jobs,
			JoinDefinitions:  join,
			Now:              time.Now,
		}
	}
}

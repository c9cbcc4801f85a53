// Package api serves the request and negotiation endpoints over HTTP.
package api

import (
	"context"
	"io"
	"mime"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gridqueue/gridqueue/pkg/archive"
	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
	"github.com/gridqueue/gridqueue/pkg/splitter"
	"github.com/gridqueue/gridqueue/pkg/store"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	RequestsPath    = "/api/v1/requests"
	ArchivePath     = "/api/v1/archive"
	AvailablePath   = "/negotiation/v1/work"
	AcquirePath     = "/negotiation/v1/acquire"
	ProgressPath    = "/negotiation/v1/progress"
	maxRequestBytes = 1 << 20
)

type errorType string

const (
	errBadData     errorType = "bad_data"
	errNotFound    errorType = "not_found"
	errExists      errorType = "exists"
	errConflict    errorType = "conflict"
	errNotEligible errorType = "not_eligible"
	errInternal    errorType = "internal"
)

type response struct {
	Status    string      `json:"status"`
	Data      interface{} `json:"data,omitempty"`
	ErrorType errorType   `json:"errorType,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Requests is the request surface of a global queue.
type Requests interface {
	Submit(ctx context.Context, s *spec.Specification) (*spec.Record, error)
	Status(ctx context.Context, name string) (*workqueue.RequestStatus, error)
	Cancel(ctx context.Context, name string) error
	UpdatePriority(ctx context.Context, name string, priority int) error
	Elements(ctx context.Context, name string) ([]*element.WorkElement, error)
	Requests(ctx context.Context) ([]*spec.Record, error)
}

// Archive is the read side of the request archive.
type Archive interface {
	Load(ctx context.Context, name string) (*archive.Snapshot, error)
	List(ctx context.Context) ([]string, error)
}

// PriorityUpdate is the body of a priority change.
type PriorityUpdate struct {
	Priority int `json:"priority"`
}

// API handles HTTP requests for a queue. Any of requests, negotiation and
// archive may be nil; their routes are then not registered.
type API struct {
	requests    Requests
	negotiation workqueue.Parent
	archive     Archive
	logger      log.Logger
}

// New builds the API. Request metrics and logging come from the server's
// middleware.
func New(requests Requests, negotiation workqueue.Parent, archive Archive, logger log.Logger) *API {
	return &API{
		requests:    requests,
		negotiation: negotiation,
		archive:     archive,
		logger:      log.With(logger, "component", "api"),
	}
}

// RegisterRoutes adds the API routes to r.
func (a *API) RegisterRoutes(r *mux.Router) {
	if a.requests != nil {
		r.Path(RequestsPath).Methods(http.MethodPost).HandlerFunc(a.submit)
		r.Path(RequestsPath).Methods(http.MethodGet).HandlerFunc(a.list)
		r.Path(RequestsPath + "/{name}").Methods(http.MethodGet).HandlerFunc(a.status)
		r.Path(RequestsPath + "/{name}/elements").Methods(http.MethodGet).HandlerFunc(a.elements)
		r.Path(RequestsPath + "/{name}/cancel").Methods(http.MethodPost).HandlerFunc(a.cancel)
		r.Path(RequestsPath + "/{name}/priority").Methods(http.MethodPut).HandlerFunc(a.priority)
	}
	if a.archive != nil {
		r.Path(ArchivePath).Methods(http.MethodGet).HandlerFunc(a.archived)
		r.Path(ArchivePath + "/{name}").Methods(http.MethodGet).HandlerFunc(a.snapshot)
	}
	if a.negotiation != nil {
		r.Path(AvailablePath).Methods(http.MethodPost).HandlerFunc(a.availableWork)
		r.Path(AcquirePath).Methods(http.MethodPost).HandlerFunc(a.acquire)
		r.Path(ProgressPath).Methods(http.MethodPost).HandlerFunc(a.progress)
	}
}

func (a *API) submit(w http.ResponseWriter, req *http.Request) {
	var s spec.Specification
	if err := decodeSpec(w, req, &s); err != nil {
		a.respondError(w, errors.Wrap(badData{err}, "decode specification"))
		return
	}
	rec, err := a.requests.Submit(req.Context(), &s)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, rec)
}

// decodeSpec reads a specification as JSON, or as YAML when the request says
// so.
func decodeSpec(w http.ResponseWriter, req *http.Request, s *spec.Specification) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBytes))
	if err != nil {
		return err
	}
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return yaml.Unmarshal(body, s)
	default:
		return json.Unmarshal(body, s)
	}
}

func (a *API) list(w http.ResponseWriter, req *http.Request) {
	recs, err := a.requests.Requests(req.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, recs)
}

func (a *API) status(w http.ResponseWriter, req *http.Request) {
	st, err := a.requests.Status(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, st)
}

func (a *API) elements(w http.ResponseWriter, req *http.Request) {
	elements, err := a.requests.Elements(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, elements)
}

func (a *API) cancel(w http.ResponseWriter, req *http.Request) {
	if err := a.requests.Cancel(req.Context(), mux.Vars(req)["name"]); err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusAccepted, nil)
}

func (a *API) priority(w http.ResponseWriter, req *http.Request) {
	var update PriorityUpdate
	if err := decodeJSON(w, req, &update); err != nil {
		a.respondError(w, badData{err})
		return
	}
	if err := a.requests.UpdatePriority(req.Context(), mux.Vars(req)["name"], update.Priority); err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, update)
}

func (a *API) archived(w http.ResponseWriter, req *http.Request) {
	names, err := a.archive.List(req.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, names)
}

func (a *API) snapshot(w http.ResponseWriter, req *http.Request) {
	s, err := a.archive.Load(req.Context(), mux.Vars(req)["name"])
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, s)
}

func (a *API) availableWork(w http.ResponseWriter, req *http.Request) {
	var wr workqueue.WorkRequest
	if err := decodeJSON(w, req, &wr); err != nil {
		a.respondError(w, badData{err})
		return
	}
	elements, err := a.negotiation.AvailableWork(req.Context(), &wr)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, elements)
}

func (a *API) acquire(w http.ResponseWriter, req *http.Request) {
	var ar workqueue.AcquireRequest
	if err := decodeJSON(w, req, &ar); err != nil {
		a.respondError(w, badData{err})
		return
	}
	e, err := a.negotiation.Acquire(req.Context(), &ar)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, e)
}

func (a *API) progress(w http.ResponseWriter, req *http.Request) {
	var pr workqueue.ProgressReport
	if err := decodeJSON(w, req, &pr); err != nil {
		a.respondError(w, badData{err})
		return
	}
	resp, err := a.negotiation.ReportProgress(req.Context(), &pr)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.respond(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBytes)).Decode(v)
}

// badData marks a malformed request body.
type badData struct{ error }

func (b badData) Unwrap() error { return b.error }

// classify maps an error to its HTTP status and wire error type.
func classify(err error) (int, errorType) {
	var (
		bad      badData
		specErr  *spec.SpecificationError
		capacity *splitter.CapacityExceededError
	)
	switch {
	case errors.As(err, &bad), errors.As(err, &specErr), errors.As(err, &capacity):
		return http.StatusBadRequest, errBadData
	case errors.Is(err, spec.ErrExists):
		return http.StatusConflict, errExists
	case errors.Is(err, element.ErrConflict):
		return http.StatusConflict, errConflict
	case errors.Is(err, workqueue.ErrNotEligible):
		return http.StatusUnprocessableEntity, errNotEligible
	case errors.Is(err, element.ErrNotFound), errors.Is(err, store.ErrSpecNotFound), errors.Is(err, archive.ErrNotArchived):
		return http.StatusNotFound, errNotFound
	}
	return http.StatusInternalServerError, errInternal
}

func (a *API) respondError(w http.ResponseWriter, err error) {
	status, typ := classify(err)
	if status >= http.StatusInternalServerError {
		level.Error(a.logger).Log("msg", "request failed", "err", err)
	} else {
		level.Debug(a.logger).Log("msg", "request rejected", "status", status, "err", err)
	}
	a.write(w, status, &response{Status: "error", ErrorType: typ, Error: err.Error()})
}

func (a *API) respond(w http.ResponseWriter, status int, data interface{}) {
	a.write(w, status, &response{Status: "success", Data: data})
}

func (a *API) write(w http.ResponseWriter, status int, resp *response) {
	b, err := json.Marshal(resp)
	if err != nil {
		level.Error(a.logger).Log("msg", "error marshaling json response", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if n, err := w.Write(b); err != nil {
		level.Error(a.logger).Log("msg", "error writing response", "bytesWritten", n, "err", err)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dimfeld/httptreemux/v5"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/id"
	"github.com/xraph/fabric/subscription"
)

// maxBody bounds request bodies.
const maxBody = 4 << 20

// UploadRequest uploads tagged definitions, optionally pinned to one node.
type UploadRequest struct {
	Target      string            `json:"target,omitempty"`
	Definitions []json.RawMessage `json:"definitions"`
}

// NamesRequest selects subscriptions by name.
type NamesRequest struct {
	Names []string `json:"names"`
}

// ControlRequest sends a named message to a subscription.
type ControlRequest struct {
	Message string `json:"message"`
	Payload []byte `json:"payload,omitempty"`
}

// AcceptedResponse names the request tracking an asynchronous operation.
type AcceptedResponse struct {
	RequestID id.RequestID `json:"request_id"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *API) listSubscribers(w http.ResponseWriter, _ *http.Request) {
	entries, err := a.cp.ListSubscribers()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs, err := a.cp.ListSubscriptions()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (a *API) uploadSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req UploadRequest
	if err := readJSON(w, r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if len(req.Definitions) == 0 {
		a.fail(w, fmt.Errorf("%w: no definitions", fabric.ErrInvalidDefinition))
		return
	}
	defs := make([]subscription.Definition, 0, len(req.Definitions))
	for i, raw := range req.Definitions {
		def, err := subscription.Decode(raw)
		if err != nil {
			a.fail(w, fmt.Errorf("%w: definition #%d: %w", errBadRequest, i, err))
			return
		}
		defs = append(defs, def)
	}
	reqID, err := a.cp.UploadSubscriptions(r.Context(), defs, req.Target)
	a.accepted(w, reqID, err)
}

func (a *API) removeSubscriptions(w http.ResponseWriter, r *http.Request) {
	names, err := readNames(w, r)
	if err != nil {
		a.fail(w, err)
		return
	}
	reqID, err := a.cp.RemoveSubscriptions(r.Context(), names)
	a.accepted(w, reqID, err)
}

func (a *API) setSubscriptions(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := readNames(w, r)
		if err != nil {
			a.fail(w, err)
			return
		}
		reqID, err := a.cp.SetSubscriptions(r.Context(), names, start)
		a.accepted(w, reqID, err)
	}
}

func (a *API) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	s, err := a.cp.GetSubscriptionStatus(param(r, "name"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) subscriptionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := a.cp.SubscriptionHistory(r.Context(), param(r, "name"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) controlSubscription(w http.ResponseWriter, r *http.Request) {
	var req ControlRequest
	if err := readJSON(w, r, &req); err != nil {
		a.fail(w, err)
		return
	}
	if req.Message == "" {
		a.fail(w, fmt.Errorf("%w: message is required", errBadRequest))
		return
	}
	reqID, err := a.cp.ControlSubscription(r.Context(), param(r, "name"), req.Message, req.Payload)
	a.accepted(w, reqID, err)
}

func (a *API) requestStatus(w http.ResponseWriter, r *http.Request) {
	reqID, err := id.ParseRequestID(param(r, "requestId"))
	if err != nil {
		a.fail(w, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	req, err := a.cp.RequestStatus(reqID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

var errBadRequest = errors.New("bad request")

func param(r *http.Request, name string) string {
	return httptreemux.ContextParams(r.Context())[name]
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return nil
}

func readNames(w http.ResponseWriter, r *http.Request) ([]string, error) {
	var req NamesRequest
	if err := readJSON(w, r, &req); err != nil {
		return nil, err
	}
	if len(req.Names) == 0 {
		return nil, fmt.Errorf("%w: names are required", errBadRequest)
	}
	return req.Names, nil
}

func (a *API) accepted(w http.ResponseWriter, reqID id.RequestID, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{RequestID: reqID})
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("control-plane call failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

// statusOf maps fabric errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, fabric.ErrNotMaster), errors.Is(err, fabric.ErrNoLiveNodes):
		return http.StatusServiceUnavailable
	case errors.Is(err, fabric.ErrSubscriptionNotFound),
		errors.Is(err, fabric.ErrNodeNotFound),
		errors.Is(err, fabric.ErrRequestNotFound),
		errors.Is(err, fabric.ErrHistoryNotFound):
		return http.StatusNotFound
	case errors.Is(err, fabric.ErrSubscriptionExists):
		return http.StatusConflict
	case errors.Is(err, fabric.ErrNoHistory):
		return http.StatusNotImplemented
	case errors.Is(err, errBadRequest),
		errors.Is(err, fabric.ErrInvalidDefinition),
		errors.Is(err, fabric.ErrUnknownType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/h2a-dev/genq/internal/app"
	"github.com/h2a-dev/genq/internal/envelope"
	"github.com/h2a-dev/genq/internal/kind"
	"github.com/h2a-dev/genq/internal/model"
)

// SubmitTaskRequest is the body of a task submission.
type SubmitTaskRequest struct {
	Kind      string         `json:"kind" validate:"required"`
	Arguments map[string]any `json:"arguments"`
	Metadata  map[string]any `json:"metadata"`
}

func (h handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respond(w, r, envelope.FromError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, fmt.Errorf("kind is required: %w", model.ErrNotValid))
		return
	}

	kinds := h.svc.Kinds()
	known := slices.ContainsFunc(kinds, func(k kind.Kind) bool { return k.Name() == req.Kind })
	if !known {
		env := envelope.FromError(fmt.Errorf("unknown kind %q: %w", req.Kind, model.ErrNotValid))
		h.respond(w, r, env.WithValidOptions(envelope.KindOptions(kinds)))
		return
	}

	task, err := h.svc.SubmitTask(r.Context(), app.SubmitRequest{
		Kind:      req.Kind,
		Arguments: req.Arguments,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondStatus(w, r, http.StatusAccepted, envelope.OK(envelope.NewTaskPayload(*task, h.now())))
}

// SubmitBatchRequest is the body of a batch submission.
type SubmitBatchRequest struct {
	Items []SubmitTaskRequest `json:"items" validate:"required,min=1,dive"`
}

func (h handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respond(w, r, envelope.FromError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, r, fmt.Errorf("items must be a non empty list of items with a kind: %w", model.ErrNotValid))
		return
	}

	// Unknown kinds fail their own item, not the batch.
	reqs := make([]app.SubmitRequest, 0, len(req.Items))
	for _, it := range req.Items {
		reqs = append(reqs, app.SubmitRequest{Kind: it.Kind, Arguments: it.Arguments, Metadata: it.Metadata})
	}

	results, err := h.svc.SubmitBatch(r.Context(), reqs)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respondStatus(w, r, http.StatusAccepted, envelope.OK(envelope.NewBatchPayload(results, h.now())))
}

func (h handler) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := app.ListRequest{ProjectID: q.Get("project_id")}
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				req.Statuses = append(req.Statuses, model.TaskStatus(st))
			}
		}
	}
	for _, st := range req.Statuses {
		if !st.IsValid() {
			env := envelope.FromError(fmt.Errorf("unknown status %q: %w", st, model.ErrNotValid))
			h.respond(w, r, env.WithValidOptions(envelope.StatusOptions()))
			return
		}
	}
	if v := q.Get("include_completed"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			h.respondError(w, r, fmt.Errorf("include_completed must be a boolean: %w", model.ErrNotValid))
			return
		}
		req.IncludeCompleted = include
	}

	tasks, err := h.svc.ListTasks(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, r, envelope.OK(envelope.NewTaskListPayload(tasks, h.now())))
}

func (h handler) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, r, envelope.OK(envelope.NewTaskPayload(*task, h.now())))
}

func (h handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := h.svc.CancelTask(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, r, envelope.OK(envelope.NewCancelPayload(id, cancelled)))
}

// streamTask writes the task snapshots as newline delimited envelopes until
// the task finishes or the client goes away.
func (h handler) streamTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Unknown tasks get a regular error response.
	if _, err := h.svc.GetStatus(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	for task, err := range h.svc.StreamUpdates(r.Context(), id) {
		env := envelope.OK(envelope.NewTaskPayload(task, h.now()))
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			env = envelope.FromError(err)
		}
		if err := enc.Encode(env); err != nil {
			h.logger.WithCtxValues(r.Context()).Debugf("Could not write task event: %s", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// upload accepts a multipart form with the input in the "file" field.
func (h handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	f, hdr, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondError(w, r, fmt.Errorf("upload is bigger than %d bytes: %w", maxErr.Limit, model.ErrNotValid))
			return
		}
		h.respondError(w, r, fmt.Errorf("a multipart \"file\" field is required: %w", model.ErrNotValid))
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("could not read upload: %w", model.ErrNotValid))
		return
	}

	res, err := h.svc.UploadInput(r.Context(), hdr.Filename, content)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, r, envelope.OK(envelope.NewUploadPayload(res, int64(len(content)))))
}

func (h handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.respond(w, r, envelope.OK(envelope.NewStatsPayload(*stats)))
}

func (h handler) kinds(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, envelope.OK(envelope.NewKindsPayload(h.svc.Kinds())))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w: %s", model.ErrNotValid, err)
	}
	return nil
}

func (h handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.respond(w, r, envelope.FromError(err))
}

func (h handler) respond(w http.ResponseWriter, r *http.Request, env envelope.Envelope) {
	h.respondStatus(w, r, env.HTTPStatus(), env)
}

func (h handler) respondStatus(w http.ResponseWriter, r *http.Request, status int, env envelope.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	h.encode(w, r, env)
}

func (h handler) encode(w http.ResponseWriter, r *http.Request, env envelope.Envelope) {
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.WithCtxValues(r.Context()).Errorf("Could not encode response: %s", err)
	}
}

package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/karlfleet/karl/pkg/stream/persist"
)

// HeaderCurrentStreamSize carries the stream size on HEAD responses and
// as a hint header on chunked subscriptions.
const HeaderCurrentStreamSize = "X-Current-Stream-Size"

// HeaderSubscriptionID carries the id of a chunked subscription, usable
// with ?terminate=.
const HeaderSubscriptionID = "X-Current-Subscription-Id"

// ServeHTTP exposes the stream:
//
//	GET                  chunked subscription, one framed JSON entry per chunk
//	GET ?nowait          like GET, but completes at the current stream end
//	GET ?sizeonly        entry count as a text body
//	GET ?schema[=lang]   entry-type descriptor
//	GET /schema.{lang}   same, path-addressed
//	GET ?terminate={id}  tears down a live chunked subscription
//	HEAD                 entry count in X-Current-Stream-Size
func (s *Stream[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d := s.data
	if d.inShutdown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodHead:
		w.Header().Set(HeaderCurrentStreamSize, fmt.Sprintf("%d", d.persister.Size()))
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
		// Handled below.
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	if id := q.Get("terminate"); id != "" {
		s.terminateSubscription(w, id)
		return
	}

	if lang, ok := schemaRequest(r); ok {
		s.serveSchema(w, lang)
		return
	}

	if q.Has("sizeonly") {
		fmt.Fprintf(w, "%d\n", d.persister.Size())
		return
	}

	if q.Has("nowait") && d.persister.Empty() {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.serveChunkedSubscription(w, r, q.Has("nowait"))
}

// schemaRequest recognises both ?schema[=lang] and a trailing
// /schema.{lang} path element.
func schemaRequest(r *http.Request) (lang string, ok bool) {
	if r.URL.Query().Has("schema") {
		return r.URL.Query().Get("schema"), true
	}
	last := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	if after, found := strings.CutPrefix(last, "schema."); found {
		return after, true
	}
	return "", false
}

func (s *Stream[T]) serveSchema(w http.ResponseWriter, lang string) {
	w.Header().Set("Content-Type", "application/json")
	if lang == "" {
		_ = json.NewEncoder(w).Encode(s.schema)
		return
	}
	text, err := s.schema.Describe(lang)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(SchemaFormatNotFound{
			Error:                      "Unsupported schema format requested.",
			UnsupportedFormatRequested: lang,
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

func (s *Stream[T]) terminateSubscription(w http.ResponseWriter, id string) {
	d := s.data
	d.httpMu.Lock()
	scope, ok := d.httpSubs[id]
	if ok {
		delete(d.httpSubs, id)
	}
	d.httpMu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	// Close outside the lock: joining the worker runs its completion
	// callback, which takes the lock to remove its own entry.
	scope.Close()
	w.WriteHeader(http.StatusOK)
}

// httpChunkedSubscriber streams entries to one HTTP response.
type httpChunkedSubscriber[T any] struct {
	enc       *json.Encoder
	flusher   http.Flusher
	stopAfter uint64 // detach once this index is delivered; 0 means never
}

func (h *httpChunkedSubscriber[T]) OnEntry(e persist.Entry[T], _ persist.IdxTs) EntryResponse {
	if err := h.enc.Encode(e); err != nil {
		return EntryResponseDone
	}
	if h.flusher != nil {
		h.flusher.Flush()
	}
	if h.stopAfter != 0 && e.Index >= h.stopAfter {
		return EntryResponseDone
	}
	return EntryResponseMore
}

func (h *httpChunkedSubscriber[T]) OnTerminate() TerminationResponse {
	return TerminationResponseTerminate
}

func (s *Stream[T]) serveChunkedSubscription(w http.ResponseWriter, r *http.Request, nowait bool) {
	d := s.data

	sub := &httpChunkedSubscriber[T]{enc: json.NewEncoder(w)}
	if f, ok := w.(http.Flusher); ok {
		sub.flusher = f
	}
	if nowait {
		sub.stopAfter = d.persister.Size()
	}

	// Response headers must be out before the worker's first write.
	id := newSubscriptionID()
	w.Header().Set(HeaderCurrentStreamSize, fmt.Sprintf("%d", d.persister.Size()))
	w.Header().Set(HeaderSubscriptionID, id)
	w.WriteHeader(http.StatusOK)
	if sub.flusher != nil {
		sub.flusher.Flush()
	}

	// The scope is registered before the worker can complete (the
	// completion callback needs the subscriptions mutex we hold), and
	// the callback removes exactly its own entry, so a finished worker
	// can never leave a stale scope behind.
	d.httpMu.Lock()
	scope, err := d.subscribe(sub, func() {
		d.httpMu.Lock()
		delete(d.httpSubs, id)
		d.httpMu.Unlock()
	}, id)
	if err == nil {
		d.httpSubs[id] = scope
	}
	d.httpMu.Unlock()

	if err != nil {
		return
	}
	httpSubscriptionsTotal.WithLabelValues(d.name).Inc()

	select {
	case <-scope.Done():
	case <-r.Context().Done():
		d.httpMu.Lock()
		delete(d.httpSubs, id)
		d.httpMu.Unlock()
		scope.Close()
	}
}

package stream

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/karlfleet/karl/pkg/stream/persist"
)

func newHTTPTestStream(t *testing.T) *Stream[string] {
	t.Helper()
	s, err := NewInMemory[string](testLogger(), "http-test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStreamHTTP_SizeOnly(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)
	for i := range 3 {
		_, err := s.PublishAt("x", int64(i+1))
		require.NoError(t, err)
	}

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?sizeonly", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "3\n", rr.Body.String())
}

func TestStreamHTTP_HeadReportsSizeHeader(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)
	_, err := s.PublishAt("x", 1)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodHead, "/", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "1", rr.Header().Get(HeaderCurrentStreamSize))
	require.Empty(t, rr.Body.String())
}

func TestStreamHTTP_NoWaitOnEmptyStream(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?nowait", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Body.String())
}

func TestStreamHTTP_NoWaitDumpsExistingEntriesAndCompletes(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)
	for i, payload := range []string{"a", "b"} {
		_, err := s.PublishAt(payload, int64(i+1))
		require.NoError(t, err)
	}

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?nowait", nil))

	require.Equal(t, http.StatusOK, rr.Code)

	var got []string
	dec := json.NewDecoder(rr.Body)
	for dec.More() {
		var e persist.Entry[string]
		require.NoError(t, dec.Decode(&e))
		got = append(got, e.Payload)
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestStreamHTTP_SchemaAndUnknownFormat(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?schema", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var schema Schema
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &schema))
	require.Equal(t, "string", schema.TypeName)
	require.Contains(t, schema.Language, "json")
	require.Contains(t, schema.Language, "go")

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?schema=json", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/schema.json", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?schema=cobol", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	var notFound SchemaFormatNotFound
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &notFound))
	require.Equal(t, "cobol", notFound.UnsupportedFormatRequested)
}

func TestStreamHTTP_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestStreamHTTP_TerminateUnknownSubscription(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/?terminate=nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStreamHTTP_ChunkedSubscriptionAndTerminate(t *testing.T) {
	t.Parallel()

	s := newHTTPTestStream(t)
	_, err := s.PublishAt("first", 1)
	require.NoError(t, err)

	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	id := resp.Header.Get(HeaderSubscriptionID)
	require.NotEmpty(t, id)
	require.Equal(t, "1", resp.Header.Get(HeaderCurrentStreamSize))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadBytes('\n')
	require.NoError(t, err)
	var e persist.Entry[string]
	require.NoError(t, json.Unmarshal(line, &e))
	require.Equal(t, "first", e.Payload)

	// Entries published while subscribed keep flowing.
	_, err = s.PublishAt("second", 2)
	require.NoError(t, err)
	line, err = r.ReadBytes('\n')
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(line, &e))
	require.Equal(t, "second", e.Payload)

	// Out-of-band termination tears the subscription down.
	term, err := http.Get(srv.URL + "/?terminate=" + id)
	require.NoError(t, err)
	term.Body.Close()
	require.Equal(t, http.StatusOK, term.StatusCode)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _ = r.ReadBytes('\n')
	}()
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription body never closed after terminate")
	}

	// The id is gone; terminating again is a 404.
	term, err = http.Get(srv.URL + "/?terminate=" + id)
	require.NoError(t, err)
	term.Body.Close()
	require.Equal(t, http.StatusNotFound, term.StatusCode)
}

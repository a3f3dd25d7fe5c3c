//go:build unit

package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbase/lib-reliable/reliable/outbox"
)

func testEntry(t *testing.T) *outbox.Entry {
	t.Helper()

	entry, err := outbox.NewEntry("org-1", "invoice.created", []byte(`{"id":1}`))
	require.NoError(t, err)

	return entry
}

func TestNewSinkValidation(t *testing.T) {
	_, err := NewSink("", "secret")
	require.ErrorIs(t, err, ErrEndpointRequired)

	_, err = NewSink("not a url", "secret")
	require.ErrorIs(t, err, ErrEndpointRequired)

	_, err = NewSink("https://example.com/hook", "")
	require.ErrorIs(t, err, ErrSecretRequired)
}

func TestDeliverSignsAndPosts(t *testing.T) {
	entry := testEntry(t)

	var (
		gotBody      []byte
		gotSignature string
		gotEventID   string
		gotEventType string
		gotCustom    string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(HeaderSignature)
		gotEventID = r.Header.Get(HeaderEventID)
		gotEventType = r.Header.Get(HeaderEventType)
		gotCustom = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sink, err := NewSink(server.URL, "secret", WithHeader("X-Custom", "value"))
	require.NoError(t, err)

	require.NoError(t, sink.Deliver(context.Background(), entry))

	assert.Equal(t, entry.Payload, gotBody)
	assert.Equal(t, entry.ID.String(), gotEventID)
	assert.Equal(t, "invoice.created", gotEventType)
	assert.Equal(t, "value", gotCustom)
	assert.True(t, VerifySignature("secret", gotBody, gotSignature))
	assert.False(t, VerifySignature("wrong", gotBody, gotSignature))
}

func TestDeliverReturnsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink, err := NewSink(server.URL, "secret")
	require.NoError(t, err)

	err = sink.Deliver(context.Background(), testEntry(t))
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
}

func TestDeliverRejectsNilEntry(t *testing.T) {
	sink, err := NewSink("https://example.com/hook", "secret")
	require.NoError(t, err)

	require.ErrorIs(t, sink.Deliver(context.Background(), nil), outbox.ErrEntryRequired)
}

func TestRetryClassifier(t *testing.T) {
	classifier := RetryClassifier()

	assert.True(t, classifier.IsNonRetryable(&StatusError{StatusCode: http.StatusBadRequest}))
	assert.True(t, classifier.IsNonRetryable(&StatusError{StatusCode: http.StatusNotFound}))
	assert.False(t, classifier.IsNonRetryable(&StatusError{StatusCode: http.StatusRequestTimeout}))
	assert.False(t, classifier.IsNonRetryable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, classifier.IsNonRetryable(&StatusError{StatusCode: http.StatusInternalServerError}))
	assert.False(t, classifier.IsNonRetryable(context.DeadlineExceeded))
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/batvault/gateway/internal/envelope"
	"github.com/batvault/gateway/internal/model"
)

// writeSSE streams content as a handful of chunked "data:" lines followed by
// the terminal "[DONE]" line, mirroring OpenAI's chat completions stream:true
// wire format.
func writeSSE(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	mid := len(content) / 2
	if mid == 0 {
		mid = len(content)
	}
	chunks := []string{content[:mid], content[mid:]}
	for _, c := range chunks {
		if c == "" {
			continue
		}
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func newChatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		writeSSE(w, content)
	}))
}

func newTestCaller(srv *httptest.Server) *OpenAICaller {
	return &OpenAICaller{apiKey: "k", model: "m", endpoint: srv.URL, httpClient: srv.Client()}
}

func TestGateSkipsWhenModeOff(t *testing.T) {
	g := Gate{Mode: model.LLMModeOff}
	_, err := g.Call(context.Background(), envelope.Envelope{}, nil)
	require.ErrorIs(t, err, ErrModeOff)
}

func TestGateSkipsWhenNoCaller(t *testing.T) {
	g := Gate{Mode: model.LLMModeOn}
	_, err := g.Call(context.Background(), envelope.Envelope{}, nil)
	require.ErrorIs(t, err, ErrModeOff)
}

func TestGateCallsThroughWhenOn(t *testing.T) {
	answer := `{"short_answer":"because cost","supporting_ids":["anchor"],"rationale_note":""}`
	srv := newChatServer(t, answer, http.StatusOK)
	defer srv.Close()

	g := Gate{Mode: model.LLMModeOn, Caller: newTestCaller(srv)}
	got, err := g.Call(context.Background(), envelope.Envelope{AllowedIDs: []string{"anchor"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "because cost", got.ShortAnswer)
	require.Equal(t, []string{"anchor"}, got.SupportingIDs)
}

func TestCallStreamsTokensToOnToken(t *testing.T) {
	answer := `{"short_answer":"because cost","supporting_ids":["anchor"],"rationale_note":""}`
	srv := newChatServer(t, answer, http.StatusOK)
	defer srv.Close()

	var received string
	caller := newTestCaller(srv)
	_, err := caller.Call(context.Background(), envelope.Envelope{}, func(chunk string) {
		received += chunk
	})
	require.NoError(t, err)
	require.Equal(t, answer, received)
}

func TestCallRejectsNonJSONAnswerShape(t *testing.T) {
	srv := newChatServer(t, "not json", http.StatusOK)
	defer srv.Close()

	caller := newTestCaller(srv)
	_, err := caller.Call(context.Background(), envelope.Envelope{}, nil)
	require.Error(t, err)
}

func TestCallDoesNotRetryOnClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	caller := newTestCaller(srv)
	_, err := caller.Call(context.Background(), envelope.Envelope{}, nil)
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestCallRetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	caller := newTestCaller(srv)
	_, err := caller.Call(context.Background(), envelope.Envelope{}, nil)
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestIsRetryableDistinguishesServerAndClientErrors(t *testing.T) {
	require.True(t, isRetryable(&callErr{retryable: true, err: errors.New("server")}))
	require.False(t, isRetryable(&callErr{retryable: false, err: errors.New("client")}))
	require.False(t, isRetryable(errors.New("plain")))
}

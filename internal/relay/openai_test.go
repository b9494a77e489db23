package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

func sseServer(t *testing.T, fragments []string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			chunk := map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"created": 1,
				"model":   "test-model",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": f}}},
			}
			b, _ := json.Marshal(chunk)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &received
}

func TestOpenAICompleter_Stream(t *testing.T) {
	srv, received := sseServer(t, []string{"Hel", "", "lo"})
	completer := NewOpenAICompleter("test-key", "", srv.URL+"/v1")
	s := NewSession(completer)
	rec := &recorder{}

	req := models.ChatRequest{Messages: []models.ChatMessage{
		{Role: "system", Content: "You are a teaching assistant."},
		{Role: "user", Content: "Explain this paragraph"},
	}}
	require.NoError(t, s.Handle(context.Background(), req, rec))

	assert.Equal(t, []models.Frame{
		{Content: "Hel"},
		{Content: "lo"},
		{Content: models.StreamCompleted},
	}, rec.all())

	body := *received
	assert.Equal(t, DefaultModel, body["model"])
	assert.Equal(t, true, body["stream"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAICompleter_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"model overloaded","type":"server_error"}}`)
	}))
	defer srv.Close()

	s := NewSession(NewOpenAICompleter("test-key", "gpt-test", srv.URL+"/v1"))
	rec := &recorder{}
	require.NoError(t, s.Handle(context.Background(), chat("hi"), rec))

	frames := rec.all()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, models.ErrExternalService.Error())
}

// Package testutil provides common test utilities and helpers for Curio tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/BTreeMap/Curio/internal/api"
	"github.com/BTreeMap/Curio/internal/flow"
	"github.com/BTreeMap/Curio/internal/genai"
	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/prompts"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/openai/openai-go"
)

// T is the subset of testing.TB used by the assertion helpers.
type T interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// FakeGenAI is a scripted generation client. Classification calls pop Labels (falling back
// to DefaultLabel), knowledge retrieval calls return Knowledge and reply calls return Reply.
type FakeGenAI struct {
	mu           sync.Mutex
	Labels       []string
	DefaultLabel string
	Knowledge    string
	Reply        string
	Err          error

	Classifications int
	Retrievals      int
	Replies         int
}

var _ genai.ClientInterface = (*FakeGenAI)(nil)

// GeneratePromptWithContext answers like a reply call.
func (f *FakeGenAI) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.GenerateWithMessages(ctx, nil)
}

// GenerateWithMessages returns Reply, or Err when set.
func (f *FakeGenAI) GenerateWithMessages(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Replies++
	if f.Err != nil {
		return "", f.Err
	}
	return f.Reply, nil
}

// GenerateWithModel serves classification and knowledge retrieval calls.
func (f *FakeGenAI) GenerateWithModel(ctx context.Context, model string, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msgs) > 0 && msgs[len(msgs)-1].OfSystem != nil &&
		strings.Contains(msgs[len(msgs)-1].OfSystem.Content.OfString.Value, prompts.MarkerKnowledgeIndex) {
		f.Retrievals++
		if f.Knowledge == "" {
			return "[]", nil
		}
		return f.Knowledge, nil
	}
	f.Classifications++
	if len(f.Labels) == 0 {
		return f.DefaultLabel, nil
	}
	label := f.Labels[0]
	f.Labels = f.Labels[1:]
	return label, nil
}

// NewTestServer creates an API server over a tutor flow with an in-memory store.
func NewTestServer(g genai.ClientInterface, opts ...api.Option) (*api.Server, store.Store) {
	st := store.NewInMemoryStore()
	tutor := flow.NewTutorFlow(flow.Dependencies{GenAI: g, Store: st})
	return api.NewServer(tutor, st, opts...), st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an APIResponse envelope and validates its status field.
func AssertJSONResponse(t T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != string(expectedStatus) {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body for testing.
func CreateHTTPRequest(t T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// SeedConversation stores a conversation with one turn per user/assistant pair in contents.
func SeedConversation(t T, st store.Store, c models.Conversation, contents ...string) {
	t.Helper()
	if _, err := st.CreateOrGetConversation(c); err != nil {
		t.Fatalf("failed to create conversation %s: %v", c.ID, err)
		return
	}
	for i := 0; i+1 < len(contents); i += 2 {
		err := st.AppendTurn(
			models.Message{ConversationID: c.ID, Role: models.RoleUser, Content: contents[i]},
			models.Message{ConversationID: c.ID, Role: models.RoleAssistant, Content: contents[i+1]},
		)
		if err != nil {
			t.Fatalf("failed to append turn to %s: %v", c.ID, err)
			return
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

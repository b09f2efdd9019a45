package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/rlmengine"
)

func TestBuildBodyBasic(t *testing.T) {
	msgs := []rlm.ChatMessage{
		rlm.SystemMessage("be brief"),
		rlm.UserMessage("hello"),
	}
	body := BuildBody(msgs, "test-model", nil)

	if body.Model != "test-model" {
		t.Errorf("Model = %q", body.Model)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be brief" {
		t.Errorf("Messages[0] = %+v", body.Messages[0])
	}
	if body.Messages[1].Role != "user" || body.Messages[1].Content != "hello" {
		t.Errorf("Messages[1] = %+v", body.Messages[1])
	}
}

func TestBuildBodyOptions(t *testing.T) {
	body := BuildBody([]rlm.ChatMessage{rlm.UserMessage("q")}, "m", nil,
		WithTemperature(0.2),
		WithMaxTokens(128),
		WithSeed(7),
		WithStop("END"),
	)
	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("Temperature = %v", body.Temperature)
	}
	if body.MaxTokens != 128 {
		t.Errorf("MaxTokens = %d", body.MaxTokens)
	}
	if body.Seed == nil || *body.Seed != 7 {
		t.Errorf("Seed = %v", body.Seed)
	}
	if len(body.Stop) != 1 || body.Stop[0] != "END" {
		t.Errorf("Stop = %v", body.Stop)
	}
}

func TestBuildBodyResponseSchema(t *testing.T) {
	schema := &rlm.ResponseSchema{
		Name:   "answer",
		Schema: json.RawMessage(`{"type":"object"}`),
	}
	body := BuildBody([]rlm.ChatMessage{rlm.UserMessage("q")}, "m", schema)
	if body.ResponseFormat == nil {
		t.Fatal("ResponseFormat not set")
	}
	if body.ResponseFormat.Type != "json_schema" {
		t.Errorf("Type = %q", body.ResponseFormat.Type)
	}
	if body.ResponseFormat.JSONSchema.Name != "answer" || !body.ResponseFormat.JSONSchema.Strict {
		t.Errorf("JSONSchema = %+v", body.ResponseFormat.JSONSchema)
	}
}

func TestBuildBodyEmptySchemaIgnored(t *testing.T) {
	body := BuildBody([]rlm.ChatMessage{rlm.UserMessage("q")}, "m", &rlm.ResponseSchema{Name: "x"})
	if body.ResponseFormat != nil {
		t.Errorf("empty schema should not set ResponseFormat: %+v", body.ResponseFormat)
	}
}

func TestBuildBodyMarshalOmitsEmpty(t *testing.T) {
	body := BuildBody([]rlm.ChatMessage{rlm.UserMessage("q")}, "m", nil)
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	for _, forbidden := range []string{"temperature", "stop", "seed", "response_format", "stream"} {
		if containsKey(raw, forbidden) {
			t.Errorf("marshalled body contains unset key %q: %s", forbidden, raw)
		}
	}
}

func containsKey(raw []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

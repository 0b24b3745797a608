package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sicko7947/mangaflow"
)

const schemaBaseURL = "https://schemas.mangaflow.local/events/"

const preferencesSchema = `{
  "type": "object",
  "required": ["genres"],
  "properties": {
    "genres": {"type": "array", "items": {"type": "string"}},
    "themes": {"type": "array", "items": {"type": "string"}},
    "artStyle": {"type": "string"},
    "mood": {"type": "string"},
    "setting": {"type": "string"},
    "characters": {"type": "array", "items": {"type": "string"}},
    "targetAudience": {"type": "string"}
  }
}`

const insightsSchema = `{
  "type": "object",
  "properties": {
    "recommendations": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {"name": {"type": "string"}}
      }
    },
    "trends": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

// detailSchemas holds one schema per known detail type. Shared fragments
// are referenced by file name.
var detailSchemas = map[string]string{
	mangaflow.DetailStoryGenerationRequested: `{
  "type": "object",
  "required": ["userId", "requestId", "preferences", "insights"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "requestId": {"type": "string", "minLength": 1},
    "preferences": {"$ref": "preferences.json"},
    "insights": {"$ref": "insights.json"}
  }
}`,
	mangaflow.DetailBatchStoryGenerationRequested: `{
  "type": "object",
  "required": ["userId", "workflowId", "requestId", "numberOfStories", "currentBatch", "totalBatches"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "workflowId": {"type": "string", "minLength": 1},
    "requestId": {"type": "string", "minLength": 1},
    "numberOfStories": {"type": "integer", "minimum": 1, "maximum": 10},
    "currentBatch": {"type": "integer", "minimum": 1},
    "totalBatches": {"type": "integer", "minimum": 1, "maximum": 10},
    "preferences": {"$ref": "preferences.json"},
    "insights": {"$ref": "insights.json"}
  }
}`,
	mangaflow.DetailEpisodeGenerationRequested: `{
  "type": "object",
  "required": ["userId", "storyId", "storyContentPath", "episodeNumber"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "storyId": {"type": "string", "minLength": 1},
    "storyContentPath": {"type": "string", "minLength": 1},
    "episodeNumber": {"type": "integer", "minimum": 1}
  }
}`,
	mangaflow.DetailContinueEpisodeRequested: `{
  "type": "object",
  "required": ["userId", "storyId", "nextEpisodeNumber", "originalPreferences", "storyContentPath"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "storyId": {"type": "string", "minLength": 1},
    "nextEpisodeNumber": {"type": "integer", "minimum": 1},
    "originalPreferences": {"$ref": "preferences.json"},
    "storyContentPath": {"type": "string", "minLength": 1},
    "continuationId": {"type": "string"},
    "episodeId": {"type": "string"},
    "requestId": {"type": "string"}
  }
}`,
	mangaflow.DetailImageGenerationRequested: `{
  "type": "object",
  "required": ["userId", "storyId", "episodeId", "episodeNumber", "episodeContentPath"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "storyId": {"type": "string", "minLength": 1},
    "episodeId": {"type": "string", "minLength": 1},
    "episodeNumber": {"type": "integer", "minimum": 1},
    "episodeContentPath": {"type": "string", "minLength": 1}
  }
}`,
	mangaflow.DetailGenerationStatusUpdated: `{
  "type": "object",
  "required": ["userId", "requestId", "entityType", "status", "relatedEntityId"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "requestId": {"type": "string"},
    "entityType": {"enum": ["STORY", "EPISODE", "IMAGE"]},
    "status": {"enum": ["PENDING", "REQUESTED", "PROCESSING", "GENERATING", "COMPLETED", "FAILED", "CANCELLED"]},
    "relatedEntityId": {"type": "string"},
    "errorMessage": {"type": "string"}
  }
}`,
	mangaflow.DetailBatchWorkflowStatusUpdated: `{
  "type": "object",
  "required": ["userId", "workflowId", "status", "numberOfStories", "completedStories", "failedStories"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "workflowId": {"type": "string", "minLength": 1},
    "status": {"enum": ["PENDING", "PROCESSING", "COMPLETED", "FAILED", "CANCELLED"]},
    "numberOfStories": {"type": "integer", "minimum": 1, "maximum": 10},
    "completedStories": {"type": "integer", "minimum": 0},
    "failedStories": {"type": "integer", "minimum": 0},
    "errorMessage": {"type": "string"}
  }
}`,
}

// Validator checks event details against the compiled schema of their
// detail type
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles every known detail schema
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	shared := map[string]string{
		"preferences.json": preferencesSchema,
		"insights.json":    insightsSchema,
	}
	for name, raw := range shared {
		if err := compiler.AddResource(schemaBaseURL+name, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(detailSchemas))}
	for detailType, raw := range detailSchemas {
		url := schemaBaseURL + schemaFileName(detailType)
		if err := compiler.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to load schema for %q: %w", detailType, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %q: %w", detailType, err)
		}
		v.schemas[detailType] = schema
	}
	return v, nil
}

// schemaFileName turns "Story Generation Requested" into
// "story-generation-requested.json"
func schemaFileName(detailType string) string {
	return strings.ToLower(strings.ReplaceAll(detailType, " ", "-")) + ".json"
}

// Known reports whether detailType has a schema
func (v *Validator) Known(detailType string) bool {
	_, ok := v.schemas[detailType]
	return ok
}

// Validate checks evt's detail. Unknown detail types pass unvalidated.
// A known type that fails returns a non-retryable validation error.
func (v *Validator) Validate(evt mangaflow.Event) error {
	schema, ok := v.schemas[evt.DetailType]
	if !ok {
		return nil
	}

	var doc any
	if err := json.Unmarshal(evt.Detail, &doc); err != nil {
		return mangaflow.ValidationError(fmt.Sprintf("%s detail is not valid JSON", evt.DetailType)).WithCause(err)
	}

	if err := schema.Validate(doc); err != nil {
		msg := err.Error()
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			msg = describe(ve)
		}
		return mangaflow.ValidationError(fmt.Sprintf("%s detail does not match schema: %s", evt.DetailType, msg)).WithCause(err)
	}
	return nil
}

// describe flattens the innermost causes into one line
func describe(ve *jsonschema.ValidationError) string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + ve.Message
	}
	parts := make([]string, 0, len(ve.Causes))
	for _, c := range ve.Causes {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, "; ")
}

// Package llmjson decodes JSON answers of text generation backends.
package llmjson

import (
	"encoding/json"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

// ErrMalformed is returned when the text is not JSON or does not conform
// to the schema
var ErrMalformed = goerr.New("malformed JSON response")

// StripCodeFence removes a surrounding markdown code fence (``` or ```json)
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// drop the info string such as "json"
		if !strings.ContainsAny(s[:idx], "{[") {
			s = s[idx+1:]
		}
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Decode parses text into v. When schema is not nil the decoded value is
// validated against it first. All failures wrap ErrMalformed.
func Decode(text string, schema *jsonschema.Schema, v any) error {
	body := StripCodeFence(text)
	if body == "" {
		return goerr.Wrap(ErrMalformed, "response is empty")
	}

	if schema != nil {
		resolved, err := schema.Resolve(nil)
		if err != nil {
			return goerr.Wrap(err, "failed to resolve response schema")
		}

		var instance any
		if err := json.Unmarshal([]byte(body), &instance); err != nil {
			return goerr.Wrap(ErrMalformed, "response is not JSON", goerr.V("error", err.Error()), goerr.V("text", body))
		}
		if err := resolved.Validate(instance); err != nil {
			return goerr.Wrap(ErrMalformed, "response does not match schema", goerr.V("error", err.Error()), goerr.V("text", body))
		}
	}

	if err := json.Unmarshal([]byte(body), v); err != nil {
		return goerr.Wrap(ErrMalformed, "failed to unmarshal response", goerr.V("error", err.Error()), goerr.V("text", body))
	}
	return nil
}

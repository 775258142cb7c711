package model

import (
	"encoding/json"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Turn is one utterance of a dialogue
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// String renders the turn as "role: text"
func (t Turn) String() string {
	if t.Role == "" {
		return t.Text
	}
	return t.Role + ": " + t.Text
}

// Dialogue is an ordered sequence of turns. A Dialogue captured for a session
// is never modified; Filter derives a new one.
type Dialogue []Turn

// ParseDialogue parses "role: utterance" lines. Blank lines are skipped and a
// line without a role prefix becomes a turn with an empty role.
func ParseDialogue(text string) Dialogue {
	var d Dialogue
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d = append(d, parseTurn(line))
	}
	return d
}

func parseTurn(line string) Turn {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return Turn{Text: line}
	}
	role := strings.TrimSpace(line[:idx])
	// A role label is a single short token such as "user" or "assistant".
	if role == "" || strings.ContainsAny(role, " \t") || len(role) > 32 {
		return Turn{Text: line}
	}
	return Turn{Role: role, Text: strings.TrimSpace(line[idx+1:])}
}

// String renders the dialogue one turn per line
func (d Dialogue) String() string {
	lines := make([]string, len(d))
	for i, t := range d {
		lines[i] = t.String()
	}
	return strings.Join(lines, "\n")
}

// Filter returns a new Dialogue holding the turns for which keep returns
// true, in their original order.
func (d Dialogue) Filter(keep func(idx int, t Turn) bool) Dialogue {
	filtered := make(Dialogue, 0, len(d))
	for i, t := range d {
		if keep(i, t) {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Clone returns a copy that shares no backing array with d
func (d Dialogue) Clone() Dialogue {
	if d == nil {
		return nil
	}
	c := make(Dialogue, len(d))
	copy(c, d)
	return c
}

// DialogueFile is a session loaded from a dialogue input file
type DialogueFile struct {
	UserID    string
	SessionID string
	Dialogue  Dialogue
}

type rawTurn struct {
	Role    string `json:"role"`
	Speaker string `json:"speaker"`
	Content string `json:"content"`
	Text    string `json:"text"`
}

func (r rawTurn) turn() Turn {
	t := Turn{Role: r.Role, Text: r.Content}
	if t.Role == "" {
		t.Role = r.Speaker
	}
	if t.Role == "" {
		t.Role = "user"
	}
	if t.Text == "" {
		t.Text = r.Text
	}
	return t
}

// LoadDialogue decodes a dialogue input. Accepted forms are a JSON array of
// {role|speaker, content|text} objects, a JSON object with a
// "session_dialogue" field (string or array) plus optional "user_id" and
// "session_id", or plain "role: utterance" text.
func LoadDialogue(data []byte) (*DialogueFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, goerr.New("dialogue input is empty")
	}

	switch trimmed[0] {
	case '[':
		var turns []rawTurn
		if err := json.Unmarshal([]byte(trimmed), &turns); err != nil {
			return nil, goerr.Wrap(err, "failed to parse dialogue array")
		}
		return &DialogueFile{Dialogue: fromRawTurns(turns)}, nil

	case '{':
		var obj struct {
			UserID    string          `json:"user_id"`
			SessionID string          `json:"session_id"`
			Dialogue  json.RawMessage `json:"session_dialogue"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return nil, goerr.Wrap(err, "failed to parse dialogue object")
		}
		if len(obj.Dialogue) == 0 {
			return nil, goerr.New("session_dialogue field is missing")
		}

		file := &DialogueFile{UserID: obj.UserID, SessionID: obj.SessionID}
		var text string
		if err := json.Unmarshal(obj.Dialogue, &text); err == nil {
			file.Dialogue = ParseDialogue(text)
			return file, nil
		}
		var turns []rawTurn
		if err := json.Unmarshal(obj.Dialogue, &turns); err != nil {
			return nil, goerr.Wrap(err, "session_dialogue must be a string or an array of turns")
		}
		file.Dialogue = fromRawTurns(turns)
		return file, nil
	}

	return &DialogueFile{Dialogue: ParseDialogue(trimmed)}, nil
}

func fromRawTurns(turns []rawTurn) Dialogue {
	d := make(Dialogue, 0, len(turns))
	for _, r := range turns {
		t := r.turn()
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		d = append(d, t)
	}
	return d
}

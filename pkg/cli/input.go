package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/urfave/cli/v3"
)

// inputFlags returns flags selecting the dialogue to process
func inputFlags(input *string, userID, sessionID *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "Path to dialogue file (JSON or role: utterance text). '-' reads stdin",
			Sources:     cli.EnvVars("MEMAUDIT_INPUT"),
			Destination: input,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "user-id",
			Aliases:     []string{"u"},
			Usage:       "User ID. Overrides user_id of the dialogue file",
			Sources:     cli.EnvVars("MEMAUDIT_USER_ID"),
			Destination: userID,
		},
		&cli.StringFlag{
			Name:        "session-id",
			Usage:       "Session ID. Overrides session_id of the dialogue file",
			Sources:     cli.EnvVars("MEMAUDIT_SESSION_ID"),
			Destination: sessionID,
		},
	}
}

// loadInput reads the dialogue file and resolves user and session IDs
func loadInput(path, userID, sessionID string) (*model.DialogueFile, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read dialogue file", goerr.V("path", path))
	}

	file, err := model.LoadDialogue(data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load dialogue", goerr.V("path", path))
	}
	if userID != "" {
		file.UserID = userID
	}
	if sessionID != "" {
		file.SessionID = sessionID
	}
	if file.UserID == "" {
		return nil, goerr.New("user ID is required: set --user-id or user_id in the dialogue file")
	}
	if len(file.Dialogue) == 0 {
		return nil, goerr.New("dialogue has no turn", goerr.V("path", path))
	}
	return file, nil
}

func writeJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return goerr.Wrap(err, "failed to write JSON output")
	}
	return nil
}

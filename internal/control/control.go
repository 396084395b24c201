// Package control delivers out-of-process control actions to a running
// proxwatch. The file control watches a well-known path; another
// process (normally `proxwatch stop`) writes an action into it, and the
// running watcher reads the action, removes the file, and hands the
// action to its handler.
package control

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ParseAction extracts the action from a control payload. The payload
// is either a bare word ("stop") or a JSON object with an "action"
// field. Only the first line of a bare payload counts. An unparseable
// payload yields "".
func ParseAction(payload []byte) string {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return ""
	}

	if payload[0] == '{' {
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return ""
		}
		return strings.TrimSpace(msg.Action)
	}

	line, _, _ := bytes.Cut(payload, []byte("\n"))
	return strings.TrimSpace(string(line))
}

package session

// Session is the persisted conversation document, one JSON file per id.
type Session struct {
	SessionID      string   `json:"session_id"`
	InitialProblem string   `json:"initial_problem"`
	History        []string `json:"history"`
}

// Summary is the listing row exposed to the frontend session picker.
type Summary struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// Event is one line of the streamed conversation. A stream opens with a single
// metadata event carrying the session id; every other event is an utterance.
type Event struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Metadata builds the opening event of a new session stream.
func Metadata(sessionID string) Event {
	return Event{Type: "metadata", SessionID: sessionID}
}

// Utterance builds a spoken-line event.
func Utterance(speaker, text string) Event {
	return Event{Speaker: speaker, Text: text}
}

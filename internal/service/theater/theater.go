// Package theater drives the scripted group-conversation turn sequence: the
// inner voice speaks, each peer responds in order, then the facilitator plans,
// optionally consults a tool, and responds. One Theater owns one session.
package theater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"
	"sync"

	"github.com/cognitive-theater/backend/internal/model/session"
	"github.com/cognitive-theater/backend/internal/service/agent"
)

// Speaker labels used in history lines and stream events.
const (
	FacilitatorName = "Lucian"
	InnerVoiceName  = "Shadow"
	UserName        = "You"
)

const (
	decisionNoTool     = "NoTool"
	decisionInnerVoice = "InviteInnerProjector"

	// innerVoiceToolOutput signals the responder that the inner voice already
	// interjected this turn.
	innerVoiceToolOutput = "(Shadow just spoke again)"
)

const openingStatement = "Thank you for sharing. To better understand it, let's invite the part of your inner voice that feels most anxious—we'll call it 'Shadow'—to chat with us. What is it specifically worried about?"

var (
	ErrSessionStarted    = errors.New("session already started")
	ErrSessionNotStarted = errors.New("session not started")
)

var decisionPattern = regexp.MustCompile(`<decision>(.*?)</decision>`)

// overrideExempt lists the planner decisions the random inner-voice override
// must never displace.
var overrideExempt = map[string]bool{
	agent.ToolSocraticQuestioning:  true,
	agent.ToolBehavioralActivation: true,
}

// Config carries the turn-sequence knobs. Peer order matters: peers speak
// strictly in this order and each sees the previous peer's reply.
type Config struct {
	PeerOrder []string
	// InterjectProbability is the per-facilitator-turn chance of forcing an
	// inner-voice interjection even when the planner chose none.
	InterjectProbability float64
	// Rand overrides the dice roll source; nil means math/rand. Tests use it.
	Rand func() float64
}

// EmitFunc receives one event per generated utterance, in turn order. An error
// (typically a gone client) aborts the remaining turns of the sequence.
type EmitFunc func(session.Event) error

// Theater is the per-session state machine. History is append-only; the
// initial problem is set once at Start and immutable afterward. The mutex
// serializes concurrent turn requests for the same session.
type Theater struct {
	mu             sync.Mutex
	sessionID      string
	initialProblem string
	history        []string

	agents *agent.Registry
	store  *session.Store
	cfg    Config
}

// New creates the state machine for a fresh session.
func New(sessionID string, agents *agent.Registry, store *session.Store, cfg Config) *Theater {
	return &Theater{
		sessionID: sessionID,
		agents:    agents,
		store:     store,
		cfg:       cfg,
	}
}

// Restore rebuilds the state machine from a persisted document.
func Restore(doc session.Session, agents *agent.Registry, store *session.Store, cfg Config) *Theater {
	t := New(doc.SessionID, agents, store, cfg)
	t.initialProblem = doc.InitialProblem
	t.history = append(t.history, doc.History...)
	return t
}

// SessionID returns the session identifier.
func (t *Theater) SessionID() string {
	return t.sessionID
}

// Snapshot returns the current persistable document.
func (t *Theater) Snapshot() session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Theater) snapshotLocked() session.Session {
	history := make([]string, len(t.history))
	copy(history, t.history)
	return session.Session{
		SessionID:      t.sessionID,
		InitialProblem: t.initialProblem,
		History:        history,
	}
}

// Start opens a new session with the user's initial problem and runs the full
// opening sequence: metadata event, facilitator opening line, inner voice,
// peers, facilitator turn. Valid only when the session has no history yet.
// The session is persisted on every exit path, including an abandoned stream.
func (t *Theater) Start(ctx context.Context, initialProblem string, emit EmitFunc) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) > 0 {
		return ErrSessionStarted
	}

	t.initialProblem = initialProblem
	t.appendLine(fmt.Sprintf("%s (Initial concern)", UserName), initialProblem)
	defer t.persistLocked(&err)

	if err = emit(session.Metadata(t.sessionID)); err != nil {
		return err
	}

	t.appendLine(FacilitatorName, openingStatement)
	if err = emit(session.Utterance(FacilitatorName, openingStatement)); err != nil {
		return err
	}

	reply := t.invoke(ctx, "inner voice", t.agents.InnerVoice, map[string]any{
		"user_problem":         initialProblem,
		"conversation_history": t.joinedHistory(),
	})
	t.appendLine(InnerVoiceName, reply)
	if err = emit(session.Utterance(InnerVoiceName, reply)); err != nil {
		return err
	}

	if err = t.runPeerTurns(ctx, emit); err != nil {
		return err
	}
	err = t.runFacilitatorTurn(ctx, emit)
	return err
}

// Continue appends the user's next input and runs the peer and facilitator
// turns. Valid only on a session that has already been started.
func (t *Theater) Continue(ctx context.Context, userInput string, emit EmitFunc) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return ErrSessionNotStarted
	}

	t.appendLine(UserName, userInput)
	defer t.persistLocked(&err)

	if err = t.runPeerTurns(ctx, emit); err != nil {
		return err
	}
	err = t.runFacilitatorTurn(ctx, emit)
	return err
}

// runPeerTurns walks the configured peer order sequentially. Each peer's
// rendered history includes every prior peer's reply from this turn.
func (t *Theater) runPeerTurns(ctx context.Context, emit EmitFunc) error {
	for _, peerName := range t.cfg.PeerOrder {
		peer, ok := t.agents.Peers[peerName]
		if !ok {
			return fmt.Errorf("no agent registered for peer %q", peerName)
		}

		reply := t.invoke(ctx, peerName, peer, map[string]any{
			"conversation_history": t.joinedHistory(),
		})
		t.appendLine(peerName, reply)
		if err := emit(session.Utterance(peerName, reply)); err != nil {
			return err
		}
	}
	return nil
}

// runFacilitatorTurn runs the plan/decide/respond cycle: the planner picks a
// decision, the random override may force an inner-voice interjection, the
// chosen tool (if any) produces its output, and the responder closes the turn.
func (t *Theater) runFacilitatorTurn(ctx context.Context, emit EmitFunc) error {
	joined := t.joinedHistory()

	decisionRaw := t.invoke(ctx, "facilitator planner", t.agents.Planner, map[string]any{
		"conversation_history": joined,
	})
	decision := parseDecision(decisionRaw)
	log.Printf("[theater] session=%s planner decision: %s", t.sessionID, decision)

	if forced := applyOverride(decision, t.roll(), t.cfg.InterjectProbability); forced != decision {
		decision = forced
		log.Printf("[theater] session=%s random interjection fired, decision now %s", t.sessionID, decision)
	}

	toolOutput := "None"
	switch {
	case decision == decisionInnerVoice:
		reply := t.invoke(ctx, "inner voice", t.agents.InnerVoice, map[string]any{
			"user_problem":         t.initialProblem,
			"conversation_history": joined,
		})
		t.appendLine(InnerVoiceName, reply)
		if err := emit(session.Utterance(InnerVoiceName, reply)); err != nil {
			return err
		}
		toolOutput = innerVoiceToolOutput

	case decision != decisionNoTool:
		tool, ok := t.agents.Tools[decision]
		if !ok {
			// Unknown label from the planner: treat like NoTool.
			break
		}
		log.Printf("[theater] session=%s consulting tool %s", t.sessionID, decision)
		toolOutput = t.invoke(ctx, decision, tool, map[string]any{
			"conversation_history": joined,
		})
	}

	finalResponse := t.invoke(ctx, "facilitator responder", t.agents.Responder, map[string]any{
		"conversation_history": t.joinedHistory(),
		"tool_output":          toolOutput,
	})
	t.appendLine(FacilitatorName, finalResponse)
	return emit(session.Utterance(FacilitatorName, finalResponse))
}

// invoke runs one agent call. A model failure does not abort the turn
// sequence: it is logged and turned into an in-band error line, keeping a
// multi-turn stream alive through provider hiccups. The substitution happens
// here, visibly, rather than inside the bridge.
func (t *Theater) invoke(ctx context.Context, role string, inv agent.Invoker, vars map[string]any) string {
	text, err := inv.Invoke(ctx, vars)
	if err != nil {
		log.Printf("[theater] session=%s %s call failed: %v", t.sessionID, role, err)
		return fmt.Sprintf("model call error: %v", err)
	}
	return text
}

func (t *Theater) appendLine(speaker, text string) {
	t.history = append(t.history, fmt.Sprintf("%s: %s", speaker, text))
}

func (t *Theater) joinedHistory() string {
	return strings.Join(t.history, "\n")
}

func (t *Theater) roll() float64 {
	if t.cfg.Rand != nil {
		return t.cfg.Rand()
	}
	return rand.Float64()
}

// persistLocked writes the document through the store. It runs deferred on
// every exit path of Start/Continue so an abandoned stream still leaves disk
// consistent with memory. A save failure is reported only when the turn
// sequence itself succeeded.
func (t *Theater) persistLocked(err *error) {
	if saveErr := t.store.Save(t.snapshotLocked()); saveErr != nil {
		log.Printf("[theater] session=%s persist failed: %v", t.sessionID, saveErr)
		if *err == nil {
			*err = saveErr
		}
	}
}

// parseDecision extracts the planner's decision label from its
// <decision>...</decision> marker. Absent or malformed markers default to
// NoTool; surrounding whitespace is trimmed.
func parseDecision(decisionRaw string) string {
	match := decisionPattern.FindStringSubmatch(decisionRaw)
	if match == nil {
		return decisionNoTool
	}
	return strings.TrimSpace(match[1])
}

// applyOverride forces an inner-voice interjection when the roll lands under
// the configured probability, unless the planner already committed to one of
// the exempt tools.
func applyOverride(decision string, roll, probability float64) string {
	if roll < probability && !overrideExempt[decision] {
		return decisionInnerVoice
	}
	return decision
}

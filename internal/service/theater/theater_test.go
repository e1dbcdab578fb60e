package theater

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/cognitive-theater/backend/internal/model/session"
	"github.com/cognitive-theater/backend/internal/service/agent"
)

type stubFunc func(ctx context.Context, vars map[string]any) (string, error)

func (f stubFunc) Invoke(ctx context.Context, vars map[string]any) (string, error) {
	return f(ctx, vars)
}

func reply(text string) stubFunc {
	return func(context.Context, map[string]any) (string, error) {
		return text, nil
	}
}

// testRegistry wires scripted agents; vars passed to each role are recorded
// for assertions.
type testRegistry struct {
	registry *agent.Registry
	seen     map[string][]map[string]any
}

func newTestRegistry(plannerReply string) *testRegistry {
	tr := &testRegistry{seen: make(map[string][]map[string]any)}

	record := func(role string, inner stubFunc) stubFunc {
		return func(ctx context.Context, vars map[string]any) (string, error) {
			tr.seen[role] = append(tr.seen[role], vars)
			return inner(ctx, vars)
		}
	}

	tr.registry = &agent.Registry{
		Planner:    record("planner", reply(plannerReply)),
		Responder:  record("responder", reply("facilitator closing words")),
		InnerVoice: record("inner", reply("what if it all goes wrong")),
		Tools: map[string]agent.Invoker{
			agent.ToolCognitiveDistortion:  record(agent.ToolCognitiveDistortion, reply("catastrophizing spotted")),
			agent.ToolSocraticQuestioning:  record(agent.ToolSocraticQuestioning, reply("what evidence supports that?")),
			agent.ToolBehavioralActivation: record(agent.ToolBehavioralActivation, reply("take one short walk")),
		},
		Peers: map[string]agent.Invoker{
			"Sara":  record("Sara", reply("sara hears you")),
			"David": record("David", reply("david relates")),
		},
	}
	return tr
}

func fixedRoll(v float64) func() float64 {
	return func() float64 { return v }
}

func newTestTheater(t *testing.T, tr *testRegistry, roll float64) (*Theater, *session.Store) {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore err: %v", err)
	}
	th := New("test-session", tr.registry, store, Config{
		PeerOrder:            []string{"Sara", "David"},
		InterjectProbability: 0.15,
		Rand:                 fixedRoll(roll),
	})
	return th, store
}

func collectEvents(events *[]session.Event) EmitFunc {
	return func(ev session.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestStartEventOrder(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, store := newTestTheater(t, tr, 0.99)

	var events []session.Event
	if err := th.Start(context.Background(), "I feel anxious about my exam", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != "metadata" || events[0].SessionID != "test-session" {
		t.Fatalf("expected metadata event first, got %+v", events[0])
	}

	wantSpeakers := []string{FacilitatorName, InnerVoiceName, "Sara", "David", FacilitatorName}
	for i, want := range wantSpeakers {
		if events[i+1].Speaker != want {
			t.Fatalf("event %d: expected speaker %s, got %s", i+1, want, events[i+1].Speaker)
		}
	}

	doc, err := store.Load("test-session")
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if doc.InitialProblem != "I feel anxious about my exam" {
		t.Fatalf("initial problem not persisted: %q", doc.InitialProblem)
	}

	wantHistory := []string{"You (Initial concern): I feel anxious about my exam"}
	for _, ev := range events[1:] {
		wantHistory = append(wantHistory, fmt.Sprintf("%s: %s", ev.Speaker, ev.Text))
	}
	if len(doc.History) != len(wantHistory) {
		t.Fatalf("history length mismatch: got %d want %d", len(doc.History), len(wantHistory))
	}
	for i := range wantHistory {
		if doc.History[i] != wantHistory[i] {
			t.Fatalf("history[%d]: got %q want %q", i, doc.History[i], wantHistory[i])
		}
	}
}

func TestPeersRunInOrderAndSeeEachOther(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, _ := newTestTheater(t, tr, 0.99)

	var events []session.Event
	if err := th.Start(context.Background(), "worried about work", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	davidVars := tr.seen["David"]
	if len(davidVars) != 1 {
		t.Fatalf("expected one David call, got %d", len(davidVars))
	}
	davidHistory, _ := davidVars[0]["conversation_history"].(string)
	if !strings.Contains(davidHistory, "Sara: sara hears you") {
		t.Fatalf("David's history must include Sara's reply, got:\n%s", davidHistory)
	}

	saraVars := tr.seen["Sara"]
	if len(saraVars) != 1 {
		t.Fatalf("expected one Sara call, got %d", len(saraVars))
	}
	saraHistory, _ := saraVars[0]["conversation_history"].(string)
	if strings.Contains(saraHistory, "David:") {
		t.Fatalf("Sara runs first and must not see David, got:\n%s", saraHistory)
	}
}

func TestContinueRunsPeerAndFacilitatorTurns(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, store := newTestTheater(t, tr, 0.99)

	var events []session.Event
	if err := th.Start(context.Background(), "first worry", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	events = nil
	if err := th.Continue(context.Background(), "it got worse today", collectEvents(&events)); err != nil {
		t.Fatalf("Continue err: %v", err)
	}

	wantSpeakers := []string{"Sara", "David", FacilitatorName}
	if len(events) != len(wantSpeakers) {
		t.Fatalf("expected %d events, got %d", len(wantSpeakers), len(events))
	}
	for i, want := range wantSpeakers {
		if events[i].Speaker != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].Speaker)
		}
	}

	doc, err := store.Load("test-session")
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if want := "You: it got worse today"; doc.History[6] != want {
		t.Fatalf("user line not recorded: got %q want %q", doc.History[6], want)
	}
}

func TestContinueNotStarted(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, store := newTestTheater(t, tr, 0.99)

	err := th.Continue(context.Background(), "hello?", func(session.Event) error { return nil })
	if !errors.Is(err, ErrSessionNotStarted) {
		t.Fatalf("expected ErrSessionNotStarted, got %v", err)
	}
	if _, err := store.Load("test-session"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("rejected continue must not persist, got %v", err)
	}
}

func TestStartTwiceRejected(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, _ := newTestTheater(t, tr, 0.99)

	emit := func(session.Event) error { return nil }
	if err := th.Start(context.Background(), "first", emit); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	if err := th.Start(context.Background(), "again", emit); !errors.Is(err, ErrSessionStarted) {
		t.Fatalf("expected ErrSessionStarted, got %v", err)
	}
}

func TestToolDecisionConsultsTool(t *testing.T) {
	tr := newTestRegistry("<decision>CognitiveDistortionIdentifierTool</decision>")
	th, _ := newTestTheater(t, tr, 0.99)

	var events []session.Event
	if err := th.Start(context.Background(), "spiral thoughts", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	if len(tr.seen[agent.ToolCognitiveDistortion]) != 1 {
		t.Fatal("expected the chosen tool to be consulted once")
	}
	responderVars := tr.seen["responder"]
	if len(responderVars) != 1 {
		t.Fatalf("expected one responder call, got %d", len(responderVars))
	}
	if got := responderVars[0]["tool_output"]; got != "catastrophizing spotted" {
		t.Fatalf("responder should receive the tool output, got %v", got)
	}
}

func TestUnknownDecisionFallsBackToNoTool(t *testing.T) {
	tr := newTestRegistry("<decision>MysteryTool</decision>")
	th, _ := newTestTheater(t, tr, 0.99)

	var events []session.Event
	if err := th.Start(context.Background(), "hmm", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	if got := tr.seen["responder"][0]["tool_output"]; got != "None" {
		t.Fatalf("unknown decision should yield tool output None, got %v", got)
	}
}

func TestForcedInterjectionEmitsInnerVoice(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, _ := newTestTheater(t, tr, 0.0) // roll always below probability

	var events []session.Event
	if err := th.Start(context.Background(), "exam panic", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	// metadata, opening, inner voice, two peers, forced inner voice, facilitator
	if len(events) != 7 {
		t.Fatalf("expected 7 events with interjection, got %d", len(events))
	}
	if events[5].Speaker != InnerVoiceName {
		t.Fatalf("expected forced inner-voice event, got %+v", events[5])
	}
	if got := tr.seen["responder"][0]["tool_output"]; got != innerVoiceToolOutput {
		t.Fatalf("responder should see the interjection placeholder, got %v", got)
	}
}

func TestOverrideNeverFiresOnExemptTools(t *testing.T) {
	tr := newTestRegistry("<decision>SocraticQuestioningTool</decision>")
	th, _ := newTestTheater(t, tr, 0.0)

	var events []session.Event
	if err := th.Start(context.Background(), "exam panic", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	if len(tr.seen[agent.ToolSocraticQuestioning]) != 1 {
		t.Fatal("exempt tool decision must survive the override roll")
	}
	// Opening inner voice only; no forced interjection.
	if len(tr.seen["inner"]) != 1 {
		t.Fatalf("expected a single inner-voice call, got %d", len(tr.seen["inner"]))
	}
}

func TestModelErrorBecomesInBandUtterance(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	tr.registry.Peers["Sara"] = stubFunc(func(context.Context, map[string]any) (string, error) {
		return "", errors.New("provider exploded")
	})
	th, _ := newTestTheater(t, tr, 0.99)

	var events []session.Event
	if err := th.Start(context.Background(), "rough day", collectEvents(&events)); err != nil {
		t.Fatalf("Start err: %v", err)
	}

	var saraEvent *session.Event
	for i := range events {
		if events[i].Speaker == "Sara" {
			saraEvent = &events[i]
		}
	}
	if saraEvent == nil {
		t.Fatal("expected an event for the failing peer")
	}
	if !strings.Contains(saraEvent.Text, "model call error:") {
		t.Fatalf("expected in-band error text, got %q", saraEvent.Text)
	}
	// The sequence keeps going after the failure.
	if events[len(events)-1].Speaker != FacilitatorName {
		t.Fatalf("expected facilitator to close the turn, got %+v", events[len(events)-1])
	}
}

func TestAbandonedStreamStillPersists(t *testing.T) {
	tr := newTestRegistry("<decision>NoTool</decision>")
	th, store := newTestTheater(t, tr, 0.99)

	emitted := 0
	clientGone := errors.New("client disconnected")
	err := th.Start(context.Background(), "cut off", func(session.Event) error {
		emitted++
		if emitted == 3 { // abandon mid-turn, after the inner voice event
			return clientGone
		}
		return nil
	})
	if !errors.Is(err, clientGone) {
		t.Fatalf("expected emit error to propagate, got %v", err)
	}

	doc, loadErr := store.Load("test-session")
	if loadErr != nil {
		t.Fatalf("session must be persisted even when abandoned: %v", loadErr)
	}
	// User line, opening, inner voice: everything appended before the abort.
	if len(doc.History) != 3 {
		t.Fatalf("expected 3 persisted lines, got %d: %v", len(doc.History), doc.History)
	}
}

func TestParseDecision(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"<decision>SocraticQuestioningTool</decision>", "SocraticQuestioningTool"},
		{"no tags anywhere", "NoTool"},
		{"<decision>  Unknown  </decision>", "Unknown"},
		{"prefix <decision>NoTool</decision> suffix", "NoTool"},
		{"", "NoTool"},
	}
	for _, tc := range cases {
		if got := parseDecision(tc.input); got != tc.want {
			t.Fatalf("parseDecision(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestApplyOverrideProbability(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	const trials = 5000
	forced := 0
	for i := 0; i < trials; i++ {
		if applyOverride(decisionNoTool, rng.Float64(), 0.15) == decisionInnerVoice {
			forced++
		}
	}

	ratio := float64(forced) / trials
	if ratio < 0.13 || ratio > 0.17 {
		t.Fatalf("override ratio %.3f outside expected band around 0.15", ratio)
	}

	for i := 0; i < trials; i++ {
		roll := rng.Float64()
		if applyOverride(agent.ToolSocraticQuestioning, roll, 0.15) != agent.ToolSocraticQuestioning {
			t.Fatal("override must never displace SocraticQuestioningTool")
		}
		if applyOverride(agent.ToolBehavioralActivation, roll, 0.15) != agent.ToolBehavioralActivation {
			t.Fatal("override must never displace BehavioralActivationTool")
		}
	}
}

package agent

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"

	"github.com/cognitive-theater/backend/internal/prompt"
)

// Tool labels the facilitator planner may choose. These match the decision
// vocabulary the planner template is asked to emit.
const (
	ToolCognitiveDistortion  = "CognitiveDistortionIdentifierTool"
	ToolSocraticQuestioning  = "SocraticQuestioningTool"
	ToolBehavioralActivation = "BehavioralActivationTool"
)

// Config controls registry construction.
type Config struct {
	// PeerNames lists the simulated group members; one peer agent is built per
	// name, keyed by the name itself.
	PeerNames []string
	// Streaming selects streaming-and-concatenate model calls.
	Streaming bool
}

// Registry holds every agent for one bot identity. All agents share the same
// underlying model and differ only by prompt template.
type Registry struct {
	Planner    Invoker
	Responder  Invoker
	InnerVoice Invoker
	Tools      map[string]Invoker
	Peers      map[string]Invoker
}

// NewRegistry composes all agents from the loaded templates and one chat
// model. A template missing from prompts is a configuration error.
func NewRegistry(ctx context.Context, prompts map[string]string, chatModel model.ChatModel, cfg Config) (*Registry, error) {
	build := func(name, promptKey string) (*Agent, error) {
		template, ok := prompts[promptKey]
		if !ok {
			return nil, fmt.Errorf("prompt template %q not loaded", promptKey)
		}
		return newAgent(ctx, name, template, chatModel, cfg.Streaming)
	}

	planner, err := build("facilitator_planner", prompt.FacilitatorPlanner)
	if err != nil {
		return nil, err
	}
	responder, err := build("facilitator_responder", prompt.FacilitatorResponder)
	if err != nil {
		return nil, err
	}
	innerVoice, err := build("inner_projector", prompt.InnerProjector)
	if err != nil {
		return nil, err
	}

	toolPrompts := map[string]string{
		ToolCognitiveDistortion:  prompt.CognitiveDistortionTool,
		ToolSocraticQuestioning:  prompt.SocraticQuestioningTool,
		ToolBehavioralActivation: prompt.BehavioralActivationTool,
	}
	tools := make(map[string]Invoker, len(toolPrompts))
	for toolName, promptKey := range toolPrompts {
		tool, err := build(toolName, promptKey)
		if err != nil {
			return nil, err
		}
		tools[toolName] = tool
	}

	peers := make(map[string]Invoker, len(cfg.PeerNames))
	for _, peerName := range cfg.PeerNames {
		peer, err := build(peerName, peerName)
		if err != nil {
			return nil, err
		}
		peers[peerName] = peer
	}

	return &Registry{
		Planner:    planner,
		Responder:  responder,
		InnerVoice: innerVoice,
		Tools:      tools,
		Peers:      peers,
	}, nil
}

// Package agent binds named prompt templates to one shared chat model. Every
// theater role (facilitator planner/responder, inner voice, tools, peers) is
// an Agent: a compiled eino chain invoked with template variables.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Invoker is the call surface the state machine depends on. Errors are
// returned as-is; deciding whether an error becomes part of the conversation
// is the orchestration layer's job, not the bridge's.
type Invoker interface {
	Invoke(ctx context.Context, vars map[string]any) (string, error)
}

// Agent renders one prompt template and runs it through the shared model.
// Agents are stateless between invocations.
type Agent struct {
	name      string
	streaming bool
	chain     compose.Runnable[map[string]any, *schema.Message]
}

func newAgent(ctx context.Context, name, template string, chatModel model.ChatModel, streaming bool) (*Agent, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.UserMessage(template),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chain for agent %s: %w", name, err)
	}

	return &Agent{name: name, streaming: streaming, chain: runnable}, nil
}

// Name returns the agent's registry name.
func (a *Agent) Name() string {
	return a.name
}

// Invoke renders the template with vars and produces one completion string.
// With streaming enabled the model is called in streaming mode and all chunks
// are concatenated in arrival order; either way the caller sees one string.
// A missing template variable surfaces as a render error.
func (a *Agent) Invoke(ctx context.Context, vars map[string]any) (string, error) {
	if !a.streaming {
		response, err := a.chain.Invoke(ctx, vars)
		if err != nil {
			return "", fmt.Errorf("agent %s invoke failed: %w", a.name, err)
		}
		return response.Content, nil
	}

	stream, err := a.chain.Stream(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("agent %s stream failed: %w", a.name, err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", fmt.Errorf("agent %s stream receive failed: %w", a.name, recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("agent %s failed to concatenate stream: %w", a.name, err)
	}
	return response.Content, nil
}

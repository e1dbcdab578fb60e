// Package prompt loads the named template files the agents are built from.
// Template content is opaque text with eino FString placeholders; only the
// file set is validated here.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Template names referenced by the agent registry.
const (
	FacilitatorPlanner       = "facilitator_planner"
	FacilitatorResponder     = "facilitator_responder"
	InnerProjector           = "inner_projector"
	CognitiveDistortionTool  = "cognitive_distortion_identifier_tool"
	SocraticQuestioningTool  = "socratic_questioning_tool"
	BehavioralActivationTool = "behavioral_activation_tool"
)

var baseFiles = map[string]string{
	FacilitatorPlanner:       "facilitator_planner_prompt.md",
	FacilitatorResponder:     "facilitator_responder_prompt.md",
	InnerProjector:           "inner_projector_prompt.md",
	CognitiveDistortionTool:  "cognitive_distortion_identifier_tool.md",
	SocraticQuestioningTool:  "socratic_questioning_tool.md",
	BehavioralActivationTool: "behavioral_activation_tool.md",
}

// PeerFile returns the template filename for a peer name, e.g. "Sara" ->
// "peer_sara_prompt.md".
func PeerFile(peerName string) string {
	return fmt.Sprintf("peer_%s_prompt.md", strings.ToLower(peerName))
}

// Load reads every base template plus one peer template per configured peer
// name from dir. Peer templates are keyed by the peer name itself. Any missing
// file is an error; callers treat that as fatal at startup.
func Load(dir string, peerNames []string) (map[string]string, error) {
	files := make(map[string]string, len(baseFiles)+len(peerNames))
	for name, filename := range baseFiles {
		files[name] = filename
	}
	for _, peer := range peerNames {
		files[peer] = PeerFile(peer)
	}

	templates := make(map[string]string, len(files))
	for name, filename := range files {
		path := filepath.Join(dir, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load prompt template %s: %w", path, err)
		}
		templates[name] = string(data)
	}
	return templates, nil
}

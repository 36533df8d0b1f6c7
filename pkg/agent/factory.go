// Package agent resolves agent-type identifiers to static descriptors and
// enforces the deployment's allowed-agent policy. The agent itself is an
// opaque external program; this package only knows what to launch and which
// capabilities the type carries.
package agent

import (
	"agentdeck/pkg/config"
	"agentdeck/pkg/oerr"
)

// Descriptor is the static metadata for one agent type. Not mutated at
// runtime.
type Descriptor struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Command       string `json:"command"`
	SupportsPTY   bool   `json:"supports_pty"`
	SupportsVoice bool   `json:"supports_voice"`
}

// The closed set of known agent types.
//
//nolint:gochecknoglobals // Static catalog, read-only after init.
var catalog = map[string]Descriptor{
	"claude": {
		ID:          "claude",
		Label:       "Claude Code",
		Command:     "claude",
		SupportsPTY: true,
	},
	"amazon-q": {
		ID:          "amazon-q",
		Label:       "Amazon Q Developer",
		Command:     "q",
		SupportsPTY: true,
	},
	"codex": {
		ID:          "codex",
		Label:       "Codex CLI",
		Command:     "codex",
		SupportsPTY: true,
	},
	"opencode": {
		ID:          "opencode",
		Label:       "OpenCode",
		Command:     "opencode",
		SupportsPTY: true,
	},
	"voice": {
		ID:            "voice",
		Label:         "Voice Assistant",
		Command:       "agentdeck-voice",
		SupportsVoice: true,
	},
}

// Factory looks up descriptors under the deployment policy.
type Factory struct {
	cfg *config.Config
}

// NewFactory creates a factory bound to the immutable config snapshot.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg}
}

// GetAgentInfoByID resolves an agent type. Unknown types are NotFound;
// recognized types outside the allowed set fail with AgentNotAllowed — the
// policy check runs before any descriptor data is returned.
func (f *Factory) GetAgentInfoByID(agentType string) (*Descriptor, error) {
	const op = oerr.Op("agent.GetAgentInfoByID")

	desc, ok := catalog[agentType]
	if !ok {
		return nil, oerr.NotFound(op, "agent type", agentType)
	}
	if !f.cfg.IsAgentAllowed(agentType) {
		return nil, oerr.AgentNotAllowed(op, agentType)
	}
	return &desc, nil
}

// ListAllowed returns descriptors for every type the policy permits, in a
// stable order.
func (f *Factory) ListAllowed() []Descriptor {
	order := []string{"claude", "amazon-q", "codex", "opencode", "voice"}
	var out []Descriptor
	for _, id := range order {
		if f.cfg.IsAgentAllowed(id) {
			out = append(out, catalog[id])
		}
	}
	return out
}

// IsKnown reports whether the type is in the catalog, ignoring policy.
func IsKnown(agentType string) bool {
	_, ok := catalog[agentType]
	return ok
}

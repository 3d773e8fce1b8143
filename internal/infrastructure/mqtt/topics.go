package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when topic_prefix is left empty in config.
const DefaultTopicPrefix = "metersync"

// Command actions accepted on the agent command topic.
const (
	// CommandUpload requests an immediate upload cycle.
	CommandUpload = "upload"

	// CommandCollect requests an immediate collection cycle.
	CommandCollect = "collect"
)

// Topics builds MQTT topic names for a single agent.
//
// Topic scheme:
//
//	<prefix>/agent/<agent-id>/availability      online/offline presence (retained, LWT)
//	<prefix>/agent/<agent-id>/status            periodic status snapshot (retained)
//	<prefix>/agent/<agent-id>/command/<action>  operator commands (upload, collect)
//
// A fleet dashboard subscribes to <prefix>/agent/+/status to watch every
// site from one broker.
type Topics struct {
	// Prefix overrides DefaultTopicPrefix when non-empty.
	Prefix string

	// AgentID identifies this agent in the topic path.
	AgentID string
}

// NewTopics builds a Topics helper from the configured prefix and agent ID.
func NewTopics(prefix, agentID string) Topics {
	return Topics{Prefix: prefix, AgentID: agentID}
}

// prefix returns the configured prefix or the default.
func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// base returns the per-agent topic root.
func (t Topics) base() string {
	return fmt.Sprintf("%s/agent/%s", t.prefix(), t.AgentID)
}

// Availability returns the topic carrying online/offline presence.
// The Last Will is registered here so a crashed agent shows offline.
//
// Example: metersync/agent/site-042/availability
func (t Topics) Availability() string {
	return t.base() + "/availability"
}

// Status returns the retained status snapshot topic.
//
// Example: metersync/agent/site-042/status
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Command returns the topic for a single operator command.
//
// Example: metersync/agent/site-042/command/upload
func (t Topics) Command(action string) string {
	return fmt.Sprintf("%s/command/%s", t.base(), action)
}

// AllCommands returns the pattern matching every command for this agent.
//
// Pattern: metersync/agent/site-042/command/+
func (t Topics) AllCommands() string {
	return t.base() + "/command/+"
}

// AllAgentStatus returns the pattern matching status snapshots from every
// agent under the prefix. Used by fleet dashboards, not by the agent itself.
//
// Pattern: metersync/agent/+/status
func (t Topics) AllAgentStatus() string {
	return fmt.Sprintf("%s/agent/+/status", t.prefix())
}

// AllAgentAvailability returns the pattern matching presence from every
// agent under the prefix.
//
// Pattern: metersync/agent/+/availability
func (t Topics) AllAgentAvailability() string {
	return fmt.Sprintf("%s/agent/+/availability", t.prefix())
}

// CommandAction extracts the action segment from a received command topic.
// Returns false when the topic is not a command topic for this agent, or
// when the action segment is empty or contains further path levels.
func (t Topics) CommandAction(topic string) (string, bool) {
	base := t.base() + "/command/"
	if !strings.HasPrefix(topic, base) {
		return "", false
	}
	action := strings.TrimPrefix(topic, base)
	if action == "" || strings.ContainsAny(action, "/+#") {
		return "", false
	}
	return action, true
}

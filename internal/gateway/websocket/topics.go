package websocket

import "strings"

// Topics scope push notifications. Clients subscribe either to an event type
// name ("pipeline:state:changed", "dev-agent:progress", ...) or to one of the
// scoped forms below.
const (
	sessionTopicPrefix = "session:"
	projectTopicPrefix = "project:"
)

// SessionTopic is the topic carrying every event one CLI session emits,
// including its output lines.
func SessionTopic(sessionID string) string {
	return sessionTopicPrefix + sessionID
}

// ProjectTopic is the topic carrying one pipeline's state changes.
func ProjectTopic(projectID string) string {
	return projectTopicPrefix + projectID
}

// sessionIDFromTopic returns the session ID for a session topic, or "".
func sessionIDFromTopic(topic string) string {
	if rest, ok := strings.CutPrefix(topic, sessionTopicPrefix); ok && rest != "" {
		return rest
	}
	return ""
}

package topic

import (
	"fmt"
)

// Constants defining the standard topic segments.
// These are the contract between the fleet backend and its push consumers.
const (
	// SegmentManagers scopes every push topic to one manager.
	SegmentManagers = "managers"

	// SuffixUpdates carries device updates and alarm events (Backend -> Client).
	// Structure: {root}/managers/{managerID}/updates
	SuffixUpdates = "updates"

	// SuffixControl carries client envelopes such as the authenticate
	// handshake (Client -> Backend).
	// Structure: {root}/managers/{managerID}/control
	SuffixControl = "control"

	// Wildcard matches exactly one level, e.g. any manager id.
	Wildcard = "+"

	// MultiWildcard matches the rest of the topic and must come last.
	MultiWildcard = "#"
)

// TopicBuilder encapsulates the logic for constructing MQTT topic strings.
type TopicBuilder struct {
	// root is the base namespace for all topics (e.g., "fleet/v1").
	root string
}

// NewTopicBuilder creates a new instance of TopicBuilder with the specified root namespace.
func NewTopicBuilder(root string) *TopicBuilder {
	return &TopicBuilder{root: root}
}

// Updates returns the topic a manager's push updates are published on.
// Direction: Backend -> Client
func (b *TopicBuilder) Updates(managerID string) string {
	return b.build(managerID, SuffixUpdates)
}

// UpdatesWildcard returns the filter matching the updates of every manager.
// Result: {root}/managers/+/updates
func (b *TopicBuilder) UpdatesWildcard() string {
	return b.build(Wildcard, SuffixUpdates)
}

// Control returns the topic a client publishes its envelopes on.
// Direction: Client -> Backend
func (b *TopicBuilder) Control(managerID string) string {
	return b.build(managerID, SuffixControl)
}

// Manager returns the filter matching every topic of one manager.
// Result: {root}/managers/{managerID}/#
func (b *TopicBuilder) Manager(managerID string) string {
	return b.build(managerID, MultiWildcard)
}

// build is a private helper to construct the final topic string.
// Pattern: {root}/managers/{managerID}/{suffix}
func (b *TopicBuilder) build(id, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.root, SegmentManagers, id, suffix)
}

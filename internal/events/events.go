// Package events defines the event subjects and types published by Relay.
package events

// Subjects for sandbox lifecycle and command events.
const (
	SubjectSessionProvisioned = "relay.session.provisioned"
	SubjectSessionDead        = "relay.session.dead"
	SubjectSessionStopped     = "relay.session.stopped"
	SubjectCommandExecuted    = "relay.command.executed"
)

// Event types carried in the Type field.
const (
	TypeSessionProvisioned = "session.provisioned"
	TypeSessionDead        = "session.dead"
	TypeSessionStopped     = "session.stopped"
	TypeCommandExecuted    = "command.executed"
)

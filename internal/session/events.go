package session

import (
	"collabmd/internal/awareness"
	"collabmd/internal/conflict"
)

// Events receives state changes from a Controller. Methods are called from
// background goroutines, never with controller locks held, and must not call
// JoinRoom, LeaveRoom or a resolution method synchronously.
type Events interface {
	// RoomCreated reports the id of a room made by CreateRoom as soon as the
	// room exists locally, before the join completes.
	RoomCreated(roomID string)
	ContentChanged(content string)
	StatusChanged(status Status)
	CollaboratorsChanged(collaborators []awareness.Collaborator)
	ConflictRaised(record *conflict.Record)
	ConflictResolved(resolution conflict.Resolution)
}

// NopEvents discards every event.
type NopEvents struct{}

func (NopEvents) RoomCreated(string) {}
func (NopEvents) ContentChanged(string) {}
func (NopEvents) StatusChanged(Status) {}
func (NopEvents) CollaboratorsChanged([]awareness.Collaborator) {}
func (NopEvents) ConflictRaised(*conflict.Record) {}
func (NopEvents) ConflictResolved(conflict.Resolution) {}

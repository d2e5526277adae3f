package presence

import "errors"

var (
	// ErrRoomExists is returned by CreateRoom when an active room already
	// holds the requested id.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned when no presence record exists for the id.
	ErrRoomNotFound = errors.New("room not found")

	// ErrRoomEnded is returned when the room exists but has drained to zero
	// participants and been closed.
	ErrRoomEnded = errors.New("room ended")
)

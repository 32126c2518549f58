package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing.
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrWorldBusy     = "E_WORLD_BUSY"

	// Command validation layer.
	ErrBadRequest     = "E_BAD_REQUEST"
	ErrInvalidTarget  = "E_INVALID_TARGET"
	ErrNotParticipant = "E_NOT_PARTICIPANT"
	ErrConflict       = "E_CONFLICT"
	ErrBlocked        = "E_BLOCKED"

	// Instance allocation.
	ErrCapacity = "E_CAPACITY"

	// Asynchronous repair.
	ErrStuck    = "E_STUCK"
	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldNotFound:   {},
	ErrWorldBusy:       {},
	ErrBadRequest:      {},
	ErrInvalidTarget:   {},
	ErrNotParticipant:  {},
	ErrConflict:        {},
	ErrBlocked:         {},
	ErrCapacity:        {},
	ErrStuck:           {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

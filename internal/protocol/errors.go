package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// World state.
	ErrWorldStopped = "E_WORLD_STOPPED"
	ErrWorldBusy    = "E_WORLD_BUSY"

	// Command layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrUnknownWorker = "E_UNKNOWN_WORKER"
	ErrUnknownRegion = "E_UNKNOWN_REGION"
	ErrInvalidStatus = "E_INVALID_STATUS"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrWorldStopped:    {},
	ErrWorldBusy:       {},
	ErrBadRequest:      {},
	ErrUnknownWorker:   {},
	ErrUnknownRegion:   {},
	ErrInvalidStatus:   {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

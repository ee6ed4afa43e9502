package protocol

// -------------------------------------------------------------------------
// Wire Structures
// -------------------------------------------------------------------------
//
// Optional fields are pointers and encode as msgpack nil when absent. The
// `as_array` option keeps every struct positional on the wire.

// SessionIdentifier globally identifies a session: the port of the session
// server hosting it and the slot number inside that server.
type SessionIdentifier struct {
	_msgpack struct{} `msgpack:",as_array"`

	SessionPort   uint16
	SessionNumber uint16
}

// UserIdentifier is the authenticated identity bound to a peer.
type UserIdentifier struct {
	_msgpack struct{} `msgpack:",as_array"`

	UserID    uint64
	UserToken string
}

// SessionCreationOption is the client request payload for CreateSession.
type SessionCreationOption struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name           string
	Password       *string
	MaxPlayers     uint8
	IsPrivate      bool
	UserIdentifier UserIdentifier
	SessionType    string
}

// SessionInfo is the public description of a live session.
//
// Invariants: HasPassword reflects whether a password is configured;
// CurrentPlayers never exceeds MaxPlayers and always equals the size of the
// member set.
type SessionInfo struct {
	_msgpack struct{} `msgpack:",as_array"`

	Name           string
	Identifier     SessionIdentifier
	MaxPlayers     uint8
	CurrentPlayers uint8
	IsPrivate      bool
	HasPassword    bool
	AuthorName     string
	SessionType    string
}

// SessionListResult carries one page of the fleet-wide session list.
// TotalSessionCount is the pre-paging total.
type SessionListResult struct {
	_msgpack struct{} `msgpack:",as_array"`

	TotalSessionCount uint32
	SessionInfoList   []SessionInfo
}

// SessionListOption is the client request payload for GetSessionList.
// Page is 1-based.
type SessionListOption struct {
	_msgpack struct{} `msgpack:",as_array"`

	NameFilter     *string
	Page           uint32
	SessionPerPage uint32
	SessionType    string
}

// SessionJoinOption is the client request payload for JoinSession.
type SessionJoinOption struct {
	_msgpack struct{} `msgpack:",as_array"`

	UserIdentifier UserIdentifier
	SessionNumber  uint16
	Password       *string
}

// SessionJoinResult is the reply to JoinSession.
type SessionJoinResult struct {
	_msgpack struct{} `msgpack:",as_array"`

	Success   bool
	ErrorCode uint8
}

// SessionCreationResult is the reply to CreateSession.
type SessionCreationResult struct {
	_msgpack struct{} `msgpack:",as_array"`

	Success     bool
	ErrorCode   uint8
	SessionInfo *SessionInfo
}

// LoginData is the client request payload for Login. The credential policy
// is supplied by the embedding application, not by lobbygrid.
type LoginData struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID       string
	Password string
}

// LoginResult is the reply to Login.
type LoginResult struct {
	_msgpack struct{} `msgpack:",as_array"`

	Success        bool
	UserIdentifier *UserIdentifier
	ErrorCode      *uint8
}

// Domain error codes carried in result payloads.
const (
	// ErrCodeUnknownSessionType is returned by CreateSession when no
	// generator is registered for the requested session type.
	ErrCodeUnknownSessionType uint8 = 1

	// ErrCodeFleetCapacity is returned by CreateSession when the session
	// server fleet is exhausted.
	ErrCodeFleetCapacity uint8 = 2

	// ErrCodeInvalidJoin is returned by JoinSession when the target slot is
	// not live, the session is full, or the password does not match.
	ErrCodeInvalidJoin uint8 = 1
)

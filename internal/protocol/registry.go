package protocol

import (
	"sync"
)

// -------------------------------------------------------------------------
// Predefined Packet Types
// -------------------------------------------------------------------------

// Predefined packet type ids occupy the top of the uint16 range so that
// application types can be registered from 0 upward without collisions.
const (
	TypeCreateSession  uint16 = 0xFFFF
	TypeJoinSession    uint16 = 0xFFFE
	TypeLogin          uint16 = 0xFFFD
	TypeGetServerType  uint16 = 0xFFFC
	TypeGetSessionList uint16 = 0xFFFB
)

// -------------------------------------------------------------------------
// Type Registry
// -------------------------------------------------------------------------

// registry is the process-wide bidirectional map between packet type names
// and 16-bit ids. Mutated at startup/configuration time, read on the receive
// and encode paths.
var (
	registryMu sync.RWMutex
	nameToID   = make(map[string]uint16)
	idToName   = make(map[uint16]string)

	predefinedOnce sync.Once
)

// RegisterType binds a type id to a type name in both directions. It is
// idempotent; re-registering overwrites both mappings.
func RegisterType(typeID uint16, typeName string) {
	registryMu.Lock()
	defer registryMu.Unlock()

	nameToID[typeName] = typeID
	idToName[typeID] = typeName
}

// RegisterPredefined registers the reserved packet types. Safe to call any
// number of times; only the first call has effect.
func RegisterPredefined() {
	predefinedOnce.Do(func() {
		RegisterType(TypeCreateSession, "CreateSession")
		RegisterType(TypeJoinSession, "JoinSession")
		RegisterType(TypeLogin, "Login")
		RegisterType(TypeGetServerType, "GetServerType")
		RegisterType(TypeGetSessionList, "GetSessionList")
	})
}

// TypeID returns the id registered for typeName.
func TypeID(typeName string) (uint16, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	id, ok := nameToID[typeName]
	return id, ok
}

// TypeName returns the name registered for typeID.
func TypeName(typeID uint16) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	name, ok := idToName[typeID]
	return name, ok
}

// IsReserved reports whether typeID is one of the predefined packet types.
// Session servers use this to keep main-server traffic out of session
// dispatch.
func IsReserved(typeID uint16) bool {
	switch typeID {
	case TypeCreateSession, TypeJoinSession, TypeLogin, TypeGetServerType, TypeGetSessionList:
		return true
	}
	return false
}

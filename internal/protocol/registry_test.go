package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
)

func TestRegisterPredefined(t *testing.T) {
	protocol.RegisterPredefined()
	protocol.RegisterPredefined() // idempotent

	tests := []struct {
		name string
		id   uint16
	}{
		{name: "CreateSession", id: protocol.TypeCreateSession},
		{name: "JoinSession", id: protocol.TypeJoinSession},
		{name: "Login", id: protocol.TypeLogin},
		{name: "GetServerType", id: protocol.TypeGetServerType},
		{name: "GetSessionList", id: protocol.TypeGetSessionList},
	}

	for _, tt := range tests {
		id, ok := protocol.TypeID(tt.name)
		require.True(t, ok, "TypeID(%q)", tt.name)
		require.Equal(t, tt.id, id)

		name, ok := protocol.TypeName(tt.id)
		require.True(t, ok, "TypeName(%#x)", tt.id)
		require.Equal(t, tt.name, name)

		require.True(t, protocol.IsReserved(tt.id))
	}
}

func TestRegisterTypeRoundTrip(t *testing.T) {
	protocol.RegisterType(10, "PlayerMove")

	id, ok := protocol.TypeID("PlayerMove")
	require.True(t, ok)
	require.Equal(t, uint16(10), id)

	name, ok := protocol.TypeName(10)
	require.True(t, ok)
	require.Equal(t, "PlayerMove", name)

	require.False(t, protocol.IsReserved(10))
}

func TestRegisterTypeOverwrites(t *testing.T) {
	protocol.RegisterType(11, "OldName")
	protocol.RegisterType(11, "NewName")

	name, ok := protocol.TypeName(11)
	require.True(t, ok)
	require.Equal(t, "NewName", name)

	id, ok := protocol.TypeID("NewName")
	require.True(t, ok)
	require.Equal(t, uint16(11), id)
}

func TestUnknownTypeLookups(t *testing.T) {
	_, ok := protocol.TypeID("NeverRegistered")
	require.False(t, ok)

	_, ok = protocol.TypeName(0x7777)
	require.False(t, ok)
}

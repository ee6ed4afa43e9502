package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/transport"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := protocol.LoginData{ID: "alice", Password: "s3cret"}

	pkt, err := protocol.EncodeAt(protocol.TypeLogin, payload, transport.FlagReliable, 1700000000123)
	require.NoError(t, err)
	require.Equal(t, transport.FlagReliable, pkt.Flag)

	header, raw, err := protocol.Decode(pkt.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeLogin, header.TypeID)
	require.Equal(t, int64(1700000000123), header.Timestamp)

	decoded, err := protocol.ParsePayload[protocol.LoginData](raw)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestEncodeDecodeSessionStructs(t *testing.T) {
	t.Parallel()

	password := "hunter2"
	filter := "arena"
	creation := protocol.SessionCreationOption{
		Name:           "Arena",
		Password:       &password,
		MaxPlayers:     4,
		IsPrivate:      false,
		UserIdentifier: protocol.UserIdentifier{UserID: 7, UserToken: "tok"},
		SessionType:    "arena",
	}
	listOpt := protocol.SessionListOption{
		NameFilter:     &filter,
		Page:           2,
		SessionPerPage: 5,
		SessionType:    "arena",
	}
	info := protocol.SessionInfo{
		Name:           "Arena",
		Identifier:     protocol.SessionIdentifier{SessionPort: 6000, SessionNumber: 3},
		MaxPlayers:     4,
		CurrentPlayers: 2,
		HasPassword:    true,
		AuthorName:     "alice",
		SessionType:    "arena",
	}

	tests := []struct {
		name    string
		typeID  uint16
		payload any
		decode  func(raw []byte) (any, error)
	}{
		{
			name: "creation option", typeID: protocol.TypeCreateSession, payload: creation,
			decode: func(raw []byte) (any, error) {
				return protocol.ParsePayload[protocol.SessionCreationOption](raw)
			},
		},
		{
			name: "list option", typeID: protocol.TypeGetSessionList, payload: listOpt,
			decode: func(raw []byte) (any, error) {
				return protocol.ParsePayload[protocol.SessionListOption](raw)
			},
		},
		{
			name: "list result", typeID: protocol.TypeGetSessionList,
			payload: protocol.SessionListResult{TotalSessionCount: 1, SessionInfoList: []protocol.SessionInfo{info}},
			decode: func(raw []byte) (any, error) {
				return protocol.ParsePayload[protocol.SessionListResult](raw)
			},
		},
		{
			name: "creation result", typeID: protocol.TypeCreateSession,
			payload: protocol.SessionCreationResult{Success: true, SessionInfo: &info},
			decode: func(raw []byte) (any, error) {
				return protocol.ParsePayload[protocol.SessionCreationResult](raw)
			},
		},
		{
			name: "join option", typeID: protocol.TypeJoinSession,
			payload: protocol.SessionJoinOption{
				UserIdentifier: protocol.UserIdentifier{UserID: 7, UserToken: "tok"},
				SessionNumber:  3,
				Password:       &password,
			},
			decode: func(raw []byte) (any, error) {
				return protocol.ParsePayload[protocol.SessionJoinOption](raw)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pkt, err := protocol.Encode(tt.typeID, tt.payload, transport.FlagReliable)
			require.NoError(t, err)

			header, raw, err := protocol.Decode(pkt.Data)
			require.NoError(t, err)
			require.Equal(t, tt.typeID, header.TypeID)

			got, err := tt.decode(raw)
			require.NoError(t, err)
			require.Equal(t, tt.payload, got)
		})
	}
}

func TestEncodeEmpty(t *testing.T) {
	t.Parallel()

	pkt := protocol.EncodeEmptyAt(protocol.TypeGetServerType, transport.FlagReliable, 42)

	header, raw, err := protocol.Decode(pkt.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeGetServerType, header.TypeID)
	require.Equal(t, int64(42), header.Timestamp)
	require.Empty(t, raw)
}

func TestEncodeByName(t *testing.T) {
	t.Parallel()

	protocol.RegisterPredefined()

	pkt, err := protocol.EncodeByName("Login", protocol.LoginData{ID: "a"}, transport.FlagReliable)
	require.NoError(t, err)

	header, _, err := protocol.Decode(pkt.Data)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeLogin, header.TypeID)

	_, err = protocol.EncodeByName("NoSuchType", nil, transport.FlagNone)
	require.ErrorIs(t, err, protocol.ErrUnknownTypeName)

	_, err = protocol.EncodeEmptyByName("NoSuchType", transport.FlagNone)
	require.ErrorIs(t, err, protocol.ErrUnknownTypeName)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	t.Run("short frame", func(t *testing.T) {
		t.Parallel()
		_, _, err := protocol.Decode([]byte{0x01, 0x02})
		require.ErrorIs(t, err, protocol.ErrShortFrame)
	})

	t.Run("header length beyond frame", func(t *testing.T) {
		t.Parallel()
		data := make([]byte, 8)
		binary.LittleEndian.PutUint32(data, 100)
		_, _, err := protocol.Decode(data)
		require.ErrorIs(t, err, protocol.ErrShortFrame)
	})

	t.Run("garbage header bytes", func(t *testing.T) {
		t.Parallel()
		data := make([]byte, 8)
		binary.LittleEndian.PutUint32(data, 4)
		data[4] = 0xc1 // never-used msgpack byte
		_, _, err := protocol.Decode(data)
		require.ErrorIs(t, err, protocol.ErrBadHeader)
	})
}

func TestParsePayloadFailureReturnsZeroValue(t *testing.T) {
	t.Parallel()

	got, err := protocol.ParsePayload[protocol.LoginData]([]byte{0xc1})
	require.Error(t, err)
	require.Equal(t, protocol.LoginData{}, got)
}

func TestHeaderLengthPrefixIsLittleEndian(t *testing.T) {
	t.Parallel()

	pkt := protocol.EncodeEmpty(protocol.TypeLogin, transport.FlagNone)
	require.GreaterOrEqual(t, len(pkt.Data), 4)

	headerLen := binary.LittleEndian.Uint32(pkt.Data)
	require.Equal(t, int(headerLen), len(pkt.Data)-4)
}

func TestGenerateUUID(t *testing.T) {
	t.Parallel()

	a := protocol.GenerateUUID()
	b := protocol.GenerateUUID()
	require.Len(t, a, 36)
	require.NotEqual(t, a, b)
}

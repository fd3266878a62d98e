package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecode(t *testing.T) {
	valid, err := Encode(MessageUpdate, []byte{1, 2, 3})
	require.NoError(t, err)
	query, err := Encode(MessageQueryAwareness, nil)
	require.NoError(t, err)
	empty, err := Encode(MessageSyncStep2, nil)
	require.NoError(t, err)
	unknown, err := msgpack.Marshal([]any{uint8(42), []byte{1}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		input   []byte
		want    MessageType
		wantErr bool
	}{
		{"Update", valid, MessageUpdate, false},
		{"Query without payload", query, MessageQueryAwareness, false},
		{"Empty sync step 2", empty, 0, true},
		{"Unknown type", unknown, 0, true},
		{"Garbage", []byte("not msgpack at all"), 0, true},
		{"Nil", nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Type)
		})
	}
}

func TestDecodeKeepsPayload(t *testing.T) {
	data, err := Encode(MessageAwareness, []byte("presence"))
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("presence"), f.Payload)
	assert.Equal(t, "awareness", f.Type.String())
}

func TestEncodeSyncReply(t *testing.T) {
	frames, err := EncodeSyncReply([][]byte{{1}, {2}, {3}})
	require.NoError(t, err)
	require.Len(t, frames, 3)

	var types []MessageType
	for _, raw := range frames {
		f, err := Decode(raw)
		require.NoError(t, err)
		types = append(types, f.Type)
	}
	assert.Equal(t, []MessageType{MessageUpdate, MessageUpdate, MessageSyncStep2}, types)

	single, err := EncodeSyncReply([][]byte{{9}})
	require.NoError(t, err)
	f, err := Decode(single[0])
	require.NoError(t, err)
	assert.Equal(t, MessageSyncStep2, f.Type)
	assert.Equal(t, []byte{9}, f.Payload)
}

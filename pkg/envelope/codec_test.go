package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Handshake(t *testing.T) {
	t.Run("client_id_command", func(t *testing.T) {
		msg, err := Decode([]byte(`{"command":"client_id","client_id":"A"}`))
		require.NoError(t, err)
		assert.Equal(t, ClientID{ClientID: "A"}, msg)
	})

	t.Run("legacy_reply_without_command", func(t *testing.T) {
		msg, err := Decode([]byte(`{"client_id":"B"}`))
		require.NoError(t, err)
		assert.Equal(t, ClientID{ClientID: "B"}, msg)
	})

	t.Run("empty_identity_is_still_decoded", func(t *testing.T) {
		msg, err := Decode([]byte(`{"command":"client_id","client_id":""}`))
		require.NoError(t, err)
		assert.Equal(t, ClientID{}, msg)
	})

	t.Run("client_id_command_without_field", func(t *testing.T) {
		_, err := Decode([]byte(`{"command":"client_id"}`))
		assert.ErrorIs(t, err, ErrMissingField)
	})
}

func TestDecode_Commands(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{"request_id", `{"command":"REQUEST_ID"}`, RequestID{}},
		{"server_closing", `{"command":"SERVER_CLOSING"}`, ServerClosing{}},
		{"stream_data", `{"command":"stream_data","stream_name":"pose","data":{"x":1}}`,
			StreamData{StreamName: "pose", Data: json.RawMessage(`{"x":1}`)}},
		{"stream_data_without_data", `{"command":"stream_data","stream_name":"pose"}`,
			StreamData{StreamName: "pose", Data: json.RawMessage(`null`)}},
		{"request_stream_data", `{"command":"request_stream_data","stream_name":"pose"}`,
			RequestStreamData{StreamName: "pose"}},
		{"close_stream", `{"command":"close_stream","stream_name":"pose"}`, CloseStream{StreamName: "pose"}},
		{"stream_frame", `{"command":"stream_frame","stream_name":"cam","frame_type":"rgb","data":"aGk="}`,
			StreamFrame{StreamName: "cam", FrameType: "rgb", Data: "aGk="}},
		{"broadcast", `{"command":"broadcast","data":[1,2]}`, Broadcast{Data: json.RawMessage(`[1,2]`)}},
		{"message", `{"command":"message","data":"hello"}`, Text{Data: json.RawMessage(`"hello"`)}},
		{"error", `{"command":"error","error":"not_identified","detail":"x"}`,
			ErrorReply{Code: CodeNotIdentified, Detail: "x"}},
		{"stream_not_found", `{"command":"stream_not_found","stream_name":"s"}`, StreamNotFound{StreamName: "s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestDecode_SendToClientKeepsRawEnvelope(t *testing.T) {
	raw := `{"command":"send_to_client","target_id":"B","data":{"v":1},"extra":true}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	stc, ok := msg.(SendToClient)
	require.True(t, ok)
	assert.Equal(t, "B", stc.TargetID)
	assert.Equal(t, raw, string(stc.Raw))

	out, err := Encode(stc)
	require.NoError(t, err)
	assert.Equal(t, raw, string(out), "forwarded envelope must be byte-identical")
}

func TestDecode_Unknown(t *testing.T) {
	msg, err := Decode([]byte(`{"command":"dance","speed":3}`))
	require.NoError(t, err)

	u, ok := msg.(Unknown)
	require.True(t, ok)
	assert.Equal(t, "dance", u.Name)
	assert.Equal(t, Command("dance"), u.Command())
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not_json", `not json`, ErrMalformed},
		{"array", `[1,2,3]`, ErrMalformed},
		{"wrong_field_type", `{"command":5}`, ErrMalformed},
		{"no_command", `{"stream_name":"x"}`, ErrMissingCommand},
		{"stream_data_without_name", `{"command":"stream_data","data":1}`, ErrMissingField},
		{"request_without_name", `{"command":"request_stream_data"}`, ErrMissingField},
		{"close_without_name", `{"command":"close_stream","stream_name":""}`, ErrMissingField},
		{"send_without_target", `{"command":"send_to_client"}`, ErrMissingField},
		{"frame_without_data", `{"command":"stream_frame","stream_name":"c","frame_type":"rgb"}`, ErrMissingField},
		{"frame_data_not_string", `{"command":"stream_frame","stream_name":"c","frame_type":"rgb","data":{}}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, tt.want)

			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr))
		})
	}
}

func TestCodec_MaxPayloadBytes(t *testing.T) {
	codec := Codec{MaxPayloadBytes: 64}

	_, err := codec.Decode([]byte(`{"command":"stream_data","stream_name":"s","data":1}`))
	require.NoError(t, err)

	big := `{"command":"stream_data","stream_name":"s","data":"` + strings.Repeat("x", 100) + `"}`
	_, err = codec.Decode([]byte(big))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = codec.Encode(StreamData{StreamName: "s", Data: json.RawMessage(`"` + strings.Repeat("y", 100) + `"`)})
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEncode_Shapes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"request_id", RequestID{}, `{"command":"REQUEST_ID"}`},
		{"server_closing", ServerClosing{}, `{"command":"SERVER_CLOSING"}`},
		{"client_id", ClientID{ClientID: "A"}, `{"command":"client_id","client_id":"A"}`},
		{"stream_data", StreamData{StreamName: "pose", Data: json.RawMessage(`{"x":1}`)},
			`{"command":"stream_data","stream_name":"pose","data":{"x":1}}`},
		{"stream_data_null", StreamData{StreamName: "pose"},
			`{"command":"stream_data","stream_name":"pose","data":null}`},
		{"stream_frame", StreamFrame{StreamName: "cam", FrameType: FrameRGB, Data: "aGk="},
			`{"command":"stream_frame","stream_name":"cam","frame_type":"rgb","data":"aGk="}`},
		{"message", Text{Data: json.RawMessage(`"hi"`)}, `{"command":"message","data":"hi"}`},
		{"error", ErrorReply{Code: CodeNotIdentified, Detail: "send client_id first"},
			`{"command":"error","error":"not_identified","detail":"send client_id first"}`},
		{"stream_not_found", StreamNotFound{StreamName: "s"}, `{"command":"stream_not_found","stream_name":"s"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out))
		})
	}
}

func TestEncode_Nil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestNewSendToClient(t *testing.T) {
	msg, err := NewSendToClient("B", map[string]any{
		"data":      map[string]int{"v": 1},
		"target_id": "overridden",
	})
	require.NoError(t, err)
	assert.Equal(t, "B", msg.TargetID)
	assert.JSONEq(t, `{"command":"send_to_client","target_id":"B","data":{"v":1}}`, string(msg.Raw))

	_, err = NewSendToClient("", nil)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestMarshalData(t *testing.T) {
	raw, err := MarshalData(map[string]int{"a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(raw))

	raw, err = MarshalData(json.RawMessage(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	_, err = MarshalData(make(chan int))
	assert.Error(t, err)
}

type recordingHandler struct {
	seen []Command
}

func (r *recordingHandler) record(m Message) error { r.seen = append(r.seen, m.Command()); return nil }

func (r *recordingHandler) HandleRequestID(m RequestID) error                 { return r.record(m) }
func (r *recordingHandler) HandleServerClosing(m ServerClosing) error         { return r.record(m) }
func (r *recordingHandler) HandleClientID(m ClientID) error                   { return r.record(m) }
func (r *recordingHandler) HandleSendToClient(m SendToClient) error           { return r.record(m) }
func (r *recordingHandler) HandleStreamData(m StreamData) error               { return r.record(m) }
func (r *recordingHandler) HandleRequestStreamData(m RequestStreamData) error { return r.record(m) }
func (r *recordingHandler) HandleCloseStream(m CloseStream) error             { return r.record(m) }
func (r *recordingHandler) HandleStreamFrame(m StreamFrame) error             { return r.record(m) }
func (r *recordingHandler) HandleBroadcast(m Broadcast) error                 { return r.record(m) }
func (r *recordingHandler) HandleText(m Text) error                           { return r.record(m) }
func (r *recordingHandler) HandleErrorReply(m ErrorReply) error               { return r.record(m) }
func (r *recordingHandler) HandleStreamNotFound(m StreamNotFound) error       { return r.record(m) }
func (r *recordingHandler) HandleUnknown(m Unknown) error                     { return r.record(m) }

func TestAccept_RoutesEveryVariant(t *testing.T) {
	msgs := []Message{
		RequestID{}, ServerClosing{}, ClientID{}, SendToClient{}, StreamData{},
		RequestStreamData{}, CloseStream{}, StreamFrame{}, Broadcast{}, Text{},
		ErrorReply{}, StreamNotFound{}, Unknown{Name: "x"},
	}

	h := &recordingHandler{}
	for _, m := range msgs {
		require.NoError(t, m.Accept(h))
	}

	require.Len(t, h.seen, len(msgs))
	for i, m := range msgs {
		assert.Equal(t, m.Command(), h.seen[i])
	}
}

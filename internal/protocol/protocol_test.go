package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Inbound
		wantErr bool
	}{
		{"run", `{"action":"run","code":"print(1)"}`, Inbound{Action: ActionRun, Code: "print(1)"}, false},
		{"run with extras", `{"action":"run","code":"x","language":"ruby","input":"hi"}`,
			Inbound{Action: ActionRun, Code: "x", Language: "ruby", Input: "hi"}, false},
		{"input", `{"action":"input","data":"hello"}`, Inbound{Action: ActionInput, Data: "hello"}, false},
		{"empty input", `{"action":"input"}`, Inbound{Action: ActionInput}, false},
		{"run with eof", `{"action":"run","code":"x","input":"a","eof":true}`,
			Inbound{Action: ActionRun, Code: "x", Input: "a", EOF: true}, false},
		{"input eof", `{"action":"input","eof":true}`, Inbound{Action: ActionInput, EOF: true}, false},
		{"stop", `{"action":"stop"}`, Inbound{Action: ActionStop}, false},
		{"run without code", `{"action":"run"}`, Inbound{}, true},
		{"missing action", `{"code":"x"}`, Inbound{}, true},
		{"unknown action", `{"action":"exec"}`, Inbound{}, true},
		{"not json", `hello`, Inbound{}, true},
		{"wrong type", `{"action":"input","data":5}`, Inbound{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutboundJSON(t *testing.T) {
	data, err := json.Marshal(Finished("e1", 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","state":"finished","detail":"exit code 0","execution_id":"e1","exit_code":0}`, string(data))

	data, err = json.Marshal(Output("e1", "stdout", []byte("hello\n")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"output","data":"hello\n","stream":"stdout","execution_id":"e1"}`, string(data))

	data, err = json.Marshal(Error("", "protocol: no active run"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"status","state":"error","detail":"protocol: no active run"}`, string(data))
}

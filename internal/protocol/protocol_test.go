package protocol

import (
	"encoding/json"
	"testing"
)

func TestEventNamesAreStable(t *testing.T) {
	cases := map[string]string{
		EventJoinDashboard:  "join-dashboard",
		EventRegisterTunnel: "register-tunnel",
		EventNewRequest:     "new-request",
		EventTunnelRequest:  "tunnel-request",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("event name=%q want=%q", got, want)
		}
	}
}

func TestMessageEndpointID(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "bare string", data: `"ep-1"`, want: "ep-1"},
		{name: "object", data: `{"endpointId":"ep-2"}`, want: "ep-2"},
		{name: "empty string", data: `""`, wantErr: true},
		{name: "wrong shape", data: `42`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Message{Event: EventJoinDashboard, Data: json.RawMessage(tc.data)}
			got, err := m.EndpointID()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("EndpointID()=%q err=%v want=%q", got, err, tc.want)
			}
		})
	}
}

func TestNewMessageRoundTrip(t *testing.T) {
	m, err := NewMessage(EventTunnelResponse, TunnelResponse{RequestID: "r1", Status: 502, Error: "refused"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	raw, _ := json.Marshal(m)

	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var resp TunnelResponse
	if err := decoded.Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Event != EventTunnelResponse || resp.RequestID != "r1" || resp.Status != 502 {
		t.Fatalf("unexpected message %+v payload %+v", decoded, resp)
	}
}

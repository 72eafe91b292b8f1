package dispatch

import "testing"

// FuzzDecode checks that arbitrary bytes never panic the frame decoder,
// mirroring the transport-layer fuzz coverage this codebase carries for
// every wire-facing unmarshal.
func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"key":"join","data":{"discoveryKey":"abc","modelName":"llama3"}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"key":null,"data":null}`))
	f.Add([]byte(`not json at all`))

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := Decode(data)
		if err != nil {
			return
		}
		var join JoinPayload
		_ = frame.DataAs(&join)
	})
}

func TestFrameRoundTrip(t *testing.T) {
	raw, err := Encode(KeyJoin, JoinPayload{
		DiscoveryKey:        "dddd",
		ModelName:           "llama3",
		MaxConnections:      4,
		SymmetryCoreVersion: "1.2.3",
	})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	frame, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if frame.Key != KeyJoin {
		t.Errorf("Key = %q, want %q", frame.Key, KeyJoin)
	}

	var payload JoinPayload
	if err := frame.DataAs(&payload); err != nil {
		t.Fatalf("DataAs() error: %v", err)
	}
	if payload.DiscoveryKey != "dddd" || payload.ModelName != "llama3" {
		t.Errorf("payload = %+v, unexpected", payload)
	}
}

package types

import "testing"

func TestEnvelopeIsControl(t *testing.T) {
	cases := []struct {
		name    string
		payload any
		token   ControlToken
		want    bool
	}{
		{"typed stop match", ControlStop, ControlStop, true},
		{"string stop match", "stop", ControlStop, true},
		{"typed wait mismatch", ControlWait, ControlStop, false},
		{"string wait mismatch", "wait", ControlStop, false},
		{"non-control payload", 42, ControlStop, false},
		{"unrelated string", "hello", ControlStop, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := Envelope{Payload: c.payload}
			if got := env.IsControl(c.token); got != c.want {
				t.Errorf("IsControl(%v) on payload %v = %v, want %v", c.token, c.payload, got, c.want)
			}
		})
	}
}

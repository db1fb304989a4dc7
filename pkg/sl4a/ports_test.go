package sl4a

import "testing"

func TestPortTupleBound(t *testing.T) {
	cases := []struct {
		name string
		p    PortTuple
		want bool
	}{
		{"zero value", PortTuple{}, false},
		{"missing server", PortTuple{Forwarded: 1}, false},
		{"missing forwarded", PortTuple{Server: 1}, false},
		{"both set", PortTuple{Forwarded: 1, Server: 2}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.p.Bound(); got != tc.want {
				t.Errorf("Bound() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPortTupleString(t *testing.T) {
	p := PortTuple{Client: 1, Forwarded: 2, Server: 3}
	want := "client=1 forwarded=2 server=3"
	if got := p.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

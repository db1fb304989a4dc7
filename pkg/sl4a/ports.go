package sl4a

import "fmt"

// PortTuple groups the three ports involved in one Connection: the host
// client socket port, the host-side port ADB forwards traffic through, and
// the device-side server port the agent is listening on. A zero value means
// "unbound" for that field.
type PortTuple struct {
	Client    int
	Forwarded int
	Server    int
}

func (p PortTuple) String() string {
	return fmt.Sprintf("client=%d forwarded=%d server=%d", p.Client, p.Forwarded, p.Server)
}

// Bound reports whether the forwarded and server ports have both been
// assigned. The client port may remain 0 (OS-assigned) even once a
// Connection is fully usable.
func (p PortTuple) Bound() bool {
	return p.Forwarded != 0 && p.Server != 0
}

// Package p2p describes the committee membership and transport surface
// the consensus core consumes from its host. The core never dials or
// manages connections itself; it only addresses peers it was handed.
package p2p

import "fmt"

// Peer identifies a committee member's network location.
type Peer struct {
	IP   string
	Port string
}

// String renders the peer as ip:port for log lines.
func (p Peer) String() string {
	return fmt.Sprintf("%s:%s", p.IP, p.Port)
}

package dsn

import (
	"net"
)

// NameIP represents a name and possibly IP, e.g. representing a connection destination.
type NameIP struct {
	Name string
	IP   net.IP
}

func (n NameIP) IsZero() bool {
	return n.Name == "" && n.IP == nil
}

// String returns the value for a Remote-MTA field, without address type.
func (n NameIP) String() string {
	s := n.Name
	if len(n.IP) > 0 {
		lit := "[" + n.IP.String() + "]"
		if n.IP.To4() == nil {
			lit = "[IPv6:" + n.IP.String() + "]"
		}
		if s == "" {
			return lit
		}
		s += " (" + lit + ")"
	}
	return s
}

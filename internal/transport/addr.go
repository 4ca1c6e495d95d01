package transport

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/campuslink/campuslink/internal/identity"
)

// NodeAddr names a peer and, optionally, where to reach it.
//
// Its text form is either a bare EndpointID or a ticket:
//
//	<endpoint id>@<ip:port>[,<ip:port>...]
type NodeAddr struct {
	ID    identity.EndpointID
	Addrs []netip.AddrPort
}

// ParseNodeAddr parses an EndpointID or ticket.
func ParseNodeAddr(s string) (NodeAddr, error) {
	s = strings.TrimSpace(s)
	idPart, addrPart, hasAddrs := strings.Cut(s, "@")

	id, err := identity.ParseEndpointID(idPart)
	if err != nil {
		return NodeAddr{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	na := NodeAddr{ID: id}
	if !hasAddrs {
		return na, nil
	}

	for _, part := range strings.Split(addrPart, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ap, err := netip.ParseAddrPort(part)
		if err != nil {
			return NodeAddr{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, part, err)
		}
		if ap.Port() == 0 {
			return NodeAddr{}, fmt.Errorf("%w: %q: port must not be zero", ErrInvalidAddress, part)
		}
		na.Addrs = append(na.Addrs, ap)
	}
	if len(na.Addrs) == 0 {
		return NodeAddr{}, fmt.Errorf("%w: ticket without addresses", ErrInvalidAddress)
	}
	return na, nil
}

// String returns the ticket form, or the bare ID when no addresses are known.
func (na NodeAddr) String() string {
	if len(na.Addrs) == 0 {
		return na.ID.String()
	}
	parts := make([]string, len(na.Addrs))
	for i, ap := range na.Addrs {
		parts[i] = ap.String()
	}
	return na.ID.String() + "@" + strings.Join(parts, ",")
}

package asyncio

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Resolution flags.
const (
	// AIPassive requests wildcard addresses suitable for binding when the
	// host is empty.
	AIPassive = 1 << iota
)

// AddrInfo is one resolved address candidate.
type AddrInfo struct {
	Addr   unix.Sockaddr
	Family int
	Type   int
	Proto  int
}

// NameInfo is the outcome of a reverse lookup.
type NameInfo struct {
	Host    string
	Service string
}

// Getaddrinfo resolves host/port into socket address candidates, offloaded
// to the default executor. The future settles with []AddrInfo in resolver
// order. An empty host maps to "any": the wildcard address with AIPassive,
// the loopback address otherwise.
func (l *EventLoop) Getaddrinfo(host, port string, family, sotype, proto, flags int) *Future {
	return l.RunInExecutor(nil, func() (any, error) {
		return resolveAddrInfo(host, port, family, sotype, proto, flags)
	})
}

// Getnameinfo reverse-resolves a socket address, offloaded to the default
// executor. The future settles with a *NameInfo; absent PTR records the
// numeric form is returned.
func (l *EventLoop) Getnameinfo(addr unix.Sockaddr) *Future {
	return l.RunInExecutor(nil, func() (any, error) {
		ip, port, err := sockaddrToIPPort(addr)
		if err != nil {
			return nil, err
		}
		info := &NameInfo{Host: ip.String(), Service: strconv.Itoa(port)}
		if names, err := net.LookupAddr(ip.String()); err == nil && len(names) > 0 {
			info.Host = names[0]
		}
		return info, nil
	})
}

func resolveAddrInfo(host, port string, family, sotype, proto, flags int) ([]AddrInfo, error) {
	portNum := 0
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			network := "tcp"
			if sotype == unix.SOCK_DGRAM {
				network = "udp"
			}
			n, err = net.LookupPort(network, port)
			if err != nil {
				return nil, err
			}
		}
		portNum = n
	}

	var ips []net.IP
	if host == "" {
		if flags&AIPassive != 0 {
			if family == unix.AF_INET6 {
				ips = []net.IP{net.IPv6unspecified}
			} else {
				ips = []net.IP{net.IPv4zero}
			}
		} else {
			if family == unix.AF_INET6 {
				ips = []net.IP{net.IPv6loopback}
			} else {
				ips = []net.IP{net.IPv4(127, 0, 0, 1)}
			}
		}
	} else if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}

	infos := make([]AddrInfo, 0, len(ips))
	for _, ip := range ips {
		fam := unix.AF_INET6
		if ip4 := ip.To4(); ip4 != nil {
			fam = unix.AF_INET
			ip = ip4
		}
		if family != unix.AF_UNSPEC && family != 0 && fam != family {
			continue
		}
		sa, err := ipToSockaddr(fam, ip, portNum)
		if err != nil {
			continue
		}
		infos = append(infos, AddrInfo{Addr: sa, Family: fam, Type: sotype, Proto: proto})
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("asyncio: getaddrinfo %q returned empty list", host)
	}
	return infos, nil
}

// ipToSockaddr converts an IP/port pair to the kernel representation.
func ipToSockaddr(family int, ip net.IP, port int) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("asyncio: not an IPv4 address: %v", ip)
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	case unix.AF_INET6:
		ip16 := ip.To16()
		if ip16 == nil {
			return nil, fmt.Errorf("asyncio: not an IPv6 address: %v", ip)
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		return sa, nil
	default:
		return nil, fmt.Errorf("asyncio: unsupported address family %d", family)
	}
}

// sockaddrToIPPort extracts the IP and port from a kernel socket address.
func sockaddrToIPPort(addr unix.Sockaddr) (net.IP, int, error) {
	switch sa := addr.(type) {
	case *unix.SockaddrInet4:
		return net.IP(sa.Addr[:]), sa.Port, nil
	case *unix.SockaddrInet6:
		return net.IP(sa.Addr[:]), sa.Port, nil
	default:
		return nil, 0, fmt.Errorf("asyncio: unsupported sockaddr %T", addr)
	}
}

// sockaddrEqual compares two socket addresses structurally.
func sockaddrEqual(a, b unix.Sockaddr) bool {
	switch sa := a.(type) {
	case *unix.SockaddrInet4:
		sb, ok := b.(*unix.SockaddrInet4)
		return ok && sa.Port == sb.Port && sa.Addr == sb.Addr
	case *unix.SockaddrInet6:
		sb, ok := b.(*unix.SockaddrInet6)
		return ok && sa.Port == sb.Port && sa.Addr == sb.Addr
	case *unix.SockaddrUnix:
		sb, ok := b.(*unix.SockaddrUnix)
		return ok && sa.Name == sb.Name
	default:
		return false
	}
}

package asyncio

// BaseProtocol is the callback surface common to every transport kind.
//
// ConnectionMade is invoked once when the protocol is registered on a
// transport; ConnectionLost exactly once per transport lifetime, after all
// data and EOF callbacks, with nil for a regular EOF or deliberate close
// and the causing error otherwise.
type BaseProtocol interface {
	ConnectionMade(tr Transport)
	ConnectionLost(err error)
}

// Protocol is the stream callback surface.
//
// State machine of calls:
//
//	start -> ConnectionMade [-> DataReceived*] [-> EOFReceived?] -> ConnectionLost -> end
//
// EOFReceived returning true keeps the transport half-open for writing;
// returning false closes it.
//
// A panic in any callback is logged and force-closes the transport.
type Protocol interface {
	BaseProtocol
	DataReceived(data []byte)
	EOFReceived() bool
}

// DatagramProtocol is the datagram callback surface. ConnectionRefused is
// delivered for ECONNREFUSED on a connected socket; on an unconnected
// socket the condition is silently absorbed.
type DatagramProtocol interface {
	BaseProtocol
	DatagramReceived(data []byte, addr Addr)
	ConnectionRefused(err error)
}

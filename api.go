// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// Convenience constructors wiring a framer and transport for the
// common stack combinations. The returned roles still need Open.

// TCPClient creates an MBAP over TCP client for the given connect
// string.
func TCPClient(address string) *Client {
	t := NewTCPTransport(address)
	return NewClient(NewTCPFramer(t), t)
}

// RTUClient creates an RTU client on a serial line.
func RTUClient(address string) *Client {
	t := NewSerialTransport(address)
	return NewClient(NewRTUFramer(t), t)
}

// ASCIIClient creates an ASCII client on a serial line.
func ASCIIClient(address string) *Client {
	t := NewSerialTransport(address)
	return NewClient(NewASCIIFramer(t), t)
}

// RTUOverTCPClient creates an RTU client on a TCP connection.
func RTUOverTCPClient(address string) *Client {
	t := NewTCPTransport(address)
	return NewClient(NewRTUFramer(t), t)
}

// RTUOverUDPClient creates an RTU client on a UDP socket.
func RTUOverUDPClient(address string) *Client {
	t := NewUDPTransport(address)
	return NewClient(NewRTUFramer(t), t)
}

// ASCIIOverTCPClient creates an ASCII client on a TCP connection.
func ASCIIOverTCPClient(address string) *Client {
	t := NewTCPTransport(address)
	return NewClient(NewASCIIFramer(t), t)
}

// UDPClient creates an MBAP over UDP client.
func UDPClient(address string) *Client {
	t := NewUDPTransport(address)
	return NewClient(NewTCPFramer(t), t)
}

// TCPServer creates an MBAP server listening on the given address.
func TCPServer(address string) *Server {
	t := NewTCPServerTransport(address)
	return NewServer(NewTCPFramer(t), t)
}

// UDPServer creates an MBAP server bound to the given UDP address.
func UDPServer(address string) *Server {
	t := NewUDPServerTransport(address)
	return NewServer(NewTCPFramer(t), t)
}

// RTUServer creates an RTU server on a serial line.
func RTUServer(address string) *Server {
	t := NewSerialTransport(address)
	return NewServer(NewRTUFramer(t), t)
}

// ASCIIServer creates an ASCII server on a serial line.
func ASCIIServer(address string) *Server {
	t := NewSerialTransport(address)
	return NewServer(NewASCIIFramer(t), t)
}

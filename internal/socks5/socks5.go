// Package socks5 implements the server-side SOCKS5 handshake (RFC 1928)
// with mandatory username/password authentication (RFC 1929). The username
// carries the client key that selects a tunnel; the password is a
// server-wide secret. Only CONNECT is accepted, and the bind address in
// replies is always 0.0.0.0:0 because the proxied connection is opened
// elsewhere.
package socks5

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	ErrUnsupportedVersion     = errors.New("unsupported SOCKS version")
	ErrNoAcceptableMethod     = errors.New("no acceptable authentication method")
	ErrAuthFailed             = errors.New("authentication failed")
	ErrUnsupportedCommand     = errors.New("unsupported command")
	ErrUnsupportedAddressType = errors.New("unsupported address type")
)

const (
	Version5    = 0x05
	AuthVersion = 0x01

	AuthUserPass     = 0x02
	AuthNoAcceptable = 0xFF

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04

	ReplySuccess                 = 0x00
	ReplyGeneralFailure          = 0x01
	ReplyConnectionRefused       = 0x05
	ReplyCommandNotSupported     = 0x07
	ReplyAddressTypeNotSupported = 0x08
)

// Request is the outcome of a completed handshake.
type Request struct {
	// ClientKey is the username from the auth subnegotiation. It names the
	// tunnel the user wants to ride.
	ClientKey string
	// DestHost is the destination hostname or IP address.
	DestHost string
	// DestPort is the destination port.
	DestPort uint16
}

// AuthHook runs after the credentials check out but before the auth success
// byte goes out, so the caller can register the connection under its client
// key first. A non-nil error aborts the handshake with an auth failure.
type AuthHook func(clientKey string) error

// Negotiate drives the full handshake on conn: method selection, the
// username/password subnegotiation against password, and the CONNECT
// request. It does NOT send the final reply; the caller sends it once the
// proxied connection is (or fails to be) established.
func Negotiate(conn net.Conn, password string, onAuth AuthHook) (*Request, error) {
	clientKey, err := negotiateAuth(conn, password, onAuth)
	if err != nil {
		return nil, err
	}

	host, port, err := readRequest(conn)
	if err != nil {
		return nil, err
	}

	return &Request{ClientKey: clientKey, DestHost: host, DestPort: port}, nil
}

func negotiateAuth(conn net.Conn, password string, onAuth AuthHook) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != Version5 {
		return "", ErrUnsupportedVersion
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", err
	}

	hasUserPass := false
	for _, m := range methods {
		if m == AuthUserPass {
			hasUserPass = true
			break
		}
	}
	if !hasUserPass {
		_, _ = conn.Write([]byte{Version5, AuthNoAcceptable})
		return "", ErrNoAcceptableMethod
	}

	if _, err := conn.Write([]byte{Version5, AuthUserPass}); err != nil {
		return "", err
	}

	return authenticate(conn, password, onAuth)
}

func authenticate(conn net.Conn, password string, onAuth AuthHook) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", err
	}
	if header[0] != AuthVersion {
		return "", fmt.Errorf("unsupported auth subnegotiation version %#02x", header[0])
	}

	username := make([]byte, header[1])
	if _, err := io.ReadFull(conn, username); err != nil {
		return "", err
	}

	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return "", err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return "", err
	}

	if subtle.ConstantTimeCompare(pass, []byte(password)) != 1 {
		_, _ = conn.Write([]byte{AuthVersion, 0x01})
		return "", ErrAuthFailed
	}

	clientKey := string(username)
	if onAuth != nil {
		if err := onAuth(clientKey); err != nil {
			_, _ = conn.Write([]byte{AuthVersion, 0x01})
			return "", err
		}
	}

	if _, err := conn.Write([]byte{AuthVersion, 0x00}); err != nil {
		return "", err
	}
	return clientKey, nil
}

func readRequest(conn net.Conn) (string, uint16, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return "", 0, err
	}
	if header[0] != Version5 {
		return "", 0, ErrUnsupportedVersion
	}
	if header[1] != CmdConnect {
		_ = SendReply(conn, ReplyCommandNotSupported)
		return "", 0, ErrUnsupportedCommand
	}

	var host string
	switch header[3] {
	case AddrTypeIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return "", 0, err
		}
		host = string(domain)

	case AddrTypeIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()

	default:
		_ = SendReply(conn, ReplyAddressTypeNotSupported)
		return "", 0, ErrUnsupportedAddressType
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return "", 0, err
	}
	return host, binary.BigEndian.Uint16(portBuf), nil
}

// SendReply writes the reply for code with the fixed 0.0.0.0:0 bind
// address.
func SendReply(conn net.Conn, code byte) error {
	reply := []byte{Version5, code, 0x00, AddrTypeIPv4, 0, 0, 0, 0, 0, 0}
	_, err := conn.Write(reply)
	return err
}

// FormatDestination renders host:port the way dialers expect, bracketing
// IPv6 literals.
func FormatDestination(host string, port uint16) string {
	return net.JoinHostPort(host, fmt.Sprintf("%d", port))
}

package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// URI shapes carried in CONNECT frames. The server asks the client to dial a
// target with "userId:host:port"; the client acknowledges on the fresh data
// channel with "userId@clientKey".

var ErrMalformedURI = errors.New("malformed uri")

// ConnectURI formats the server→client dial request.
func ConnectURI(userID, host string, port uint16) string {
	return fmt.Sprintf("%s:%s:%d", userID, host, port)
}

// ParseConnectURI splits "userId:host:port". The host may itself contain
// colons (IPv6 literal), so the userId is taken up to the first colon and the
// port after the last one.
func ParseConnectURI(uri string) (userID, host string, port uint16, err error) {
	userID, rest, ok := strings.Cut(uri, ":")
	if !ok || userID == "" {
		return "", "", 0, fmt.Errorf("%w: %q", ErrMalformedURI, uri)
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", "", 0, fmt.Errorf("%w: %q", ErrMalformedURI, uri)
	}
	host = rest[:idx]
	p, err := strconv.ParseUint(rest[idx+1:], 10, 16)
	if err != nil || p == 0 {
		return "", "", 0, fmt.Errorf("%w: bad port in %q", ErrMalformedURI, uri)
	}
	return userID, host, uint16(p), nil
}

// BindURI formats the client→server data-channel acknowledgment.
func BindURI(userID, clientKey string) string {
	return userID + "@" + clientKey
}

// ParseBindURI splits "userId@clientKey".
func ParseBindURI(uri string) (userID, clientKey string, err error) {
	userID, clientKey, ok := strings.Cut(uri, "@")
	if !ok || userID == "" || clientKey == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedURI, uri)
	}
	return userID, clientKey, nil
}

package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the tunnelling protocol spoken by an upstream proxy.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolHTTP
	ProtocolHTTPS
	ProtocolSOCKS4
	ProtocolSOCKS5
)

var ErrUnsupportedProtocol = errors.New("unsupported proxy protocol")

func (p Protocol) String() string {
	switch p {
	case ProtocolNone:
		return "direct"
	case ProtocolHTTP:
		return "http"
	case ProtocolHTTPS:
		return "https"
	case ProtocolSOCKS4:
		return "socks4"
	case ProtocolSOCKS5:
		return "socks5"
	default:
		return "unknown"
	}
}

// ParseProtocol maps a protocol name to a Protocol. An empty name means http.
// socks4a and socks5h are accepted as aliases.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	case "socks4", "socks4a":
		return ProtocolSOCKS4, nil
	case "socks5", "socks5h", "socks":
		return ProtocolSOCKS5, nil
	default:
		return ProtocolNone, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, s)
	}
}

// UpstreamProxy describes an intermediary the dispatcher tunnels through.
// The zero value is a direct connection.
type UpstreamProxy struct {
	Protocol Protocol `json:"protocol"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
}

// ParseUpstreamProxy builds a descriptor from "host:port" and a protocol name.
func ParseUpstreamProxy(hostport, protocol string) (UpstreamProxy, error) {
	proto, err := ParseProtocol(protocol)
	if err != nil {
		return UpstreamProxy{}, err
	}
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return UpstreamProxy{}, fmt.Errorf("invalid proxy address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return UpstreamProxy{}, fmt.Errorf("invalid proxy port %q", portStr)
	}
	if host == "" {
		return UpstreamProxy{}, fmt.Errorf("invalid proxy address %q: empty host", hostport)
	}
	return UpstreamProxy{Protocol: proto, Host: host, Port: port}, nil
}

func (p UpstreamProxy) IsDirect() bool { return p.Protocol == ProtocolNone }

func (p UpstreamProxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String is the redacted form used in logs: only the protocol is shown.
func (p UpstreamProxy) String() string {
	if p.IsDirect() {
		return "direct"
	}
	return p.Protocol.String() + "://…"
}

package endpoint

import (
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/lithdew/kademlia"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteBufferSize  = 4096
)

var (
	ErrProtocolRejected = errors.New("remote endpoint rejected the protocol")
	ErrStreamsTaken     = errors.New("connection stream pair already taken")
	ErrStreamFinished   = errors.New("send stream already finished")
	ErrConnectionLost   = errors.New("connection lost")
	ErrEndpointClosed   = errors.New("endpoint closed")
)

type BindFunc func() (net.Listener, error)

func BindTCPAnyPort() BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", ":0") }
}

func BindTCP(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp", addr) }
}

func BindTCPv4(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp4", addr) }
}

func BindTCPv6(addr string) BindFunc {
	return func() (net.Listener, error) { return net.Listen("tcp6", addr) }
}

func HostAddr(host net.IP, port uint16) string {
	h := ""
	if len(host) > 0 {
		h = host.String()
	}
	p := strconv.FormatUint(uint64(port), 10)
	return net.JoinHostPort(h, p)
}

func GenerateSecretKey() kademlia.PrivateKey {
	_, secret, err := kademlia.GenerateKeys(nil)
	if err != nil {
		panic(err)
	}
	return secret
}

package forwarder

import (
	"fmt"
	"strconv"
	"strings"
)

// Target is the local host:port a remote-originated stream is delivered to.
// It is an immutable value owned by the association (remote->local) or by
// the listener registration (local->remote); it never needs dynamic
// dispatch — the ad-hoc object system the source uses to piggy-back a
// Target on the listener's per-address userdata slot has no counterpart
// here, since Go listeners simply carry a Target field directly.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// association is an entry in the Forwarder's remote->local table: the key
// is the remote (guest-side) listen port, the value is where to deliver
// bytes arriving on it.
type association struct {
	bindAddress string
	target      Target
}

// remoteRule is a parsed associate_remote rule string.
//
//	guest_port:host:host_port                    (bind address defaults to "localhost")
//	bind_address:guest_port:host:host_port
type remoteRule struct {
	bindAddress string
	guestPort   uint16
	target      Target
}

func (r remoteRule) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", r.bindAddress, r.guestPort, r.target.Host, r.target.Port)
}

func parseRemoteRule(rule string) (remoteRule, error) {
	tokens := strings.Split(rule, ":")
	var bindAddress, portTok, host, hostPortTok string

	switch len(tokens) {
	case 3:
		bindAddress = "localhost"
		portTok, host, hostPortTok = tokens[0], tokens[1], tokens[2]
	case 4:
		bindAddress, portTok, host, hostPortTok = tokens[0], tokens[1], tokens[2], tokens[3]
	default:
		return remoteRule{}, fmt.Errorf("associate_remote: malformed rule %q: want 3 or 4 colon-delimited tokens", rule)
	}

	guestPort, err := parsePort(portTok)
	if err != nil {
		return remoteRule{}, fmt.Errorf("associate_remote: %w", err)
	}
	hostPort, err := parsePort(hostPortTok)
	if err != nil {
		return remoteRule{}, fmt.Errorf("associate_remote: %w", err)
	}
	if host == "" {
		return remoteRule{}, fmt.Errorf("associate_remote: malformed rule %q: empty host", rule)
	}

	return remoteRule{
		bindAddress: bindAddress,
		guestPort:   guestPort,
		target:      Target{Host: host, Port: hostPort},
	}, nil
}

// localRule is a parsed associate_local rule string: bind_address:local_port:host:host_port.
// Unlike a remote rule, the target is attached to the listener at accept
// time rather than stored in the association map.
type localRule struct {
	bindAddress string
	localPort   uint16
	target      Target
}

func (r localRule) String() string {
	return fmt.Sprintf("%s:%d:%s:%d", r.bindAddress, r.localPort, r.target.Host, r.target.Port)
}

func parseLocalRule(rule string) (localRule, error) {
	tokens := strings.Split(rule, ":")
	var bindAddress, portTok, host, hostPortTok string

	switch len(tokens) {
	case 3:
		bindAddress = "localhost"
		portTok, host, hostPortTok = tokens[0], tokens[1], tokens[2]
	case 4:
		bindAddress, portTok, host, hostPortTok = tokens[0], tokens[1], tokens[2], tokens[3]
	default:
		return localRule{}, fmt.Errorf("associate_local: malformed rule %q: want 3 or 4 colon-delimited tokens", rule)
	}

	localPort, err := parsePort(portTok)
	if err != nil {
		return localRule{}, fmt.Errorf("associate_local: %w", err)
	}
	hostPort, err := parsePort(hostPortTok)
	if err != nil {
		return localRule{}, fmt.Errorf("associate_local: %w", err)
	}
	if host == "" {
		return localRule{}, fmt.Errorf("associate_local: malformed rule %q: empty host", rule)
	}

	return localRule{
		bindAddress: bindAddress,
		localPort:   localPort,
		target:      Target{Host: host, Port: hostPort},
	}, nil
}

func parsePort(tok string) (uint16, error) {
	v, err := strconv.ParseUint(tok, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", tok, err)
	}
	return uint16(v), nil
}

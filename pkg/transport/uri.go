package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NoPort marks a URI without a port component, such as sm://pid/id.
const NoPort = -1

// URI names an endpoint: scheme://host[:port][/path].
type URI struct {
	Scheme string
	Host   string
	Port   int
	Path   string
}

// NetworkURI builds proto://ip:port.
func NetworkURI(proto, ip string, port int) URI {
	return URI{Scheme: proto, Host: ip, Port: port}
}

// LocalURI builds the node-local address of process pid, sm://pid/id.
func LocalURI(pid, id int) URI {
	return URI{
		Scheme: "sm",
		Host:   strconv.Itoa(pid),
		Port:   NoPort,
		Path:   strconv.Itoa(id),
	}
}

func ParseURI(raw string) (URI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return URI{}, fmt.Errorf("%w: %q needs a scheme and a host", ErrInvalidURI, raw)
	}

	parsed := URI{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   NoPort,
		Path:   strings.TrimPrefix(u.Path, "/"),
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 0 || port > 65535 {
			return URI{}, fmt.Errorf("%w: bad port in %q", ErrInvalidURI, raw)
		}
		parsed.Port = port
	}
	return parsed, nil
}

func (u URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	if u.Port >= 0 {
		b.WriteString(net.JoinHostPort(u.Host, strconv.Itoa(u.Port)))
	} else {
		b.WriteString(u.Host)
	}
	if u.Path != "" {
		b.WriteByte('/')
		b.WriteString(u.Path)
	}
	return b.String()
}

// HostPort is the dialable host:port part of a network URI.
func (u URI) HostPort() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

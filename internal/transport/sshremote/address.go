package sshremote

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"strings"
)

const DefaultPort = 22

var ErrInvalidAddress = errors.New("invalid ssh address")

// Address locates a remote root: ssh://[user@]host[:port]/path or the scp
// form [user@]host:path. A relative path is relative to the login directory.
type Address struct {
	User string
	Host string
	Port int
	Path string
}

// IsAddress reports whether s names an ssh remote rather than a local path.
func IsAddress(s string) bool {
	if strings.HasPrefix(s, "ssh://") {
		return true
	}
	idx := strings.Index(s, ":")
	// a single letter before the colon is a windows drive
	return idx > 1 && !strings.ContainsAny(s[:idx], `/\`)
}

func ParseAddress(s string) (Address, error) {
	var a Address
	if strings.HasPrefix(s, "ssh://") {
		u, err := url.Parse(s)
		if err != nil {
			return a, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
		}
		if u.User != nil {
			a.User = u.User.Username()
		}
		a.Host = u.Hostname()
		if port := u.Port(); port != "" {
			n, err := strconv.Atoi(port)
			if err != nil || n <= 0 || n > 65535 {
				return a, fmt.Errorf("%w: bad port %q", ErrInvalidAddress, port)
			}
			a.Port = n
		}
		a.Path = u.Path
		switch {
		case a.Path == "/~":
			a.Path = ""
		case strings.HasPrefix(a.Path, "/~/"):
			a.Path = a.Path[3:]
		}
	} else {
		if !IsAddress(s) {
			return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		idx := strings.Index(s, ":")
		host, p := s[:idx], s[idx+1:]
		if at := strings.LastIndex(host, "@"); at >= 0 {
			a.User, host = host[:at], host[at+1:]
		}
		a.Host = host
		a.Path = p
	}

	if a.Host == "" {
		return a, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, s)
	}
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	if a.User == "" {
		a.User = currentUser()
	}
	if a.Path == "" {
		a.Path = "."
	}
	return a, nil
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	if strings.HasPrefix(a.Path, "/") {
		return fmt.Sprintf("ssh://%s@%s%s", a.User, a.HostPort(), a.Path)
	}
	return fmt.Sprintf("ssh://%s@%s/~/%s", a.User, a.HostPort(), strings.TrimPrefix(a.Path, "./"))
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

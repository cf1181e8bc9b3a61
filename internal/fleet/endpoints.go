// Package fleet launches and supervises the worker processes that serve
// recognition RPCs. The supervisor only spawns and joins processes; each
// worker builds its own RPC server after it has started.
package fleet

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrConfig marks fleet configuration errors. These are fatal at startup.
var ErrConfig = errors.New("fleet configuration error")

// DefaultEndpoint is used when no port specification is given.
const DefaultEndpoint = "127.0.0.1:50051"

// ParseEndpoints expands a port specification into concrete endpoints.
//
// The specification is either a single "host:port", a comma-separated list
// of them, or a single base endpoint combined with portRange > 1, which
// yields portRange consecutive ports starting at the base port. A list
// combined with a range is rejected.
func ParseEndpoints(spec string, portRange int) ([]string, error) {
	if portRange < 1 {
		return nil, fmt.Errorf("%w: port range must be >= 1, got %d", ErrConfig, portRange)
	}

	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty port specification", ErrConfig)
	}

	var tokens []string
	for _, tok := range strings.Split(spec, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			return nil, fmt.Errorf("%w: empty endpoint in %q", ErrConfig, spec)
		}
		tokens = append(tokens, tok)
	}

	if len(tokens) > 1 {
		if portRange != 1 {
			return nil, fmt.Errorf("%w: port range %d cannot be combined with an endpoint list", ErrConfig, portRange)
		}
		seen := make(map[string]bool, len(tokens))
		for _, tok := range tokens {
			if _, _, err := splitEndpoint(tok); err != nil {
				return nil, err
			}
			if seen[tok] {
				return nil, fmt.Errorf("%w: duplicate endpoint %s", ErrConfig, tok)
			}
			seen[tok] = true
		}
		return tokens, nil
	}

	host, base, err := splitEndpoint(tokens[0])
	if err != nil {
		return nil, err
	}
	if base+portRange-1 > 65535 {
		return nil, fmt.Errorf("%w: port range %d-%d exceeds 65535", ErrConfig, base, base+portRange-1)
	}

	out := make([]string, 0, portRange)
	for i := 0; i < portRange; i++ {
		out = append(out, net.JoinHostPort(host, strconv.Itoa(base+i)))
	}
	return out, nil
}

func splitEndpoint(ep string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(ep)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid endpoint %q: %v", ErrConfig, ep, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port in %q", ErrConfig, ep)
	}
	return host, port, nil
}

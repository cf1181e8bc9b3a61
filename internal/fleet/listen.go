package fleet

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a TCP listener on endpoint. With reuse set, the socket is
// opened with SO_REUSEPORT so sibling processes can bind the same port and
// let the kernel balance connections between them.
func Listen(ctx context.Context, endpoint string, reuse bool) (net.Listener, error) {
	lc := net.ListenConfig{}
	if reuse {
		if !ReusePortSupported {
			return nil, fmt.Errorf("%w: SO_REUSEPORT not supported on this platform", ErrConfig)
		}
		lc.Control = reusePortControl
	}
	lis, err := lc.Listen(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return lis, nil
}

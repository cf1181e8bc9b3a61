package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		rng     int
		want    []string
		wantErr bool
	}{
		{"single", "127.0.0.1:50051", 1, []string{"127.0.0.1:50051"}, false},
		{"list", "127.0.0.1:50051, 127.0.0.1:50061", 1, []string{"127.0.0.1:50051", "127.0.0.1:50061"}, false},
		{"range", "0.0.0.0:7000", 3, []string{"0.0.0.0:7000", "0.0.0.0:7001", "0.0.0.0:7002"}, false},
		{"ipv6 range", "[::1]:9000", 2, []string{"[::1]:9000", "[::1]:9001"}, false},
		{"list with range", "a:1,b:2", 2, nil, true},
		{"zero range", "127.0.0.1:1", 0, nil, true},
		{"empty", "  ", 1, nil, true},
		{"missing port", "localhost", 1, nil, true},
		{"bad port", "localhost:http", 1, nil, true},
		{"port overflow", "localhost:65535", 2, nil, true},
		{"empty list entry", "a:1,,b:2", 1, nil, true},
		{"duplicate", "a:1,a:1", 1, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoints(tt.spec, tt.rng)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopology(t *testing.T) {
	topo := Topology{
		Endpoints:         []string{"h:1", "h:2"},
		ProcessesPerPort:  3,
		ThreadsPerProcess: 4,
	}
	require.NoError(t, topo.Validate(true))
	assert.Equal(t, 6, topo.Size())
	assert.Equal(t, 8, topo.MaxConcurrentCalls())

	specs := topo.Specs()
	require.Len(t, specs, 6)
	assert.Equal(t, WorkerSpec{Endpoint: "h:1", Replica: 0, Threads: 4, Slot: 0}, specs[0])
	assert.Equal(t, WorkerSpec{Endpoint: "h:2", Replica: 2, Threads: 4, Slot: 5}, specs[5])

	assert.ErrorIs(t, topo.Validate(false), ErrConfig)

	topo.ProcessesPerPort = 1
	assert.NoError(t, topo.Validate(false))

	topo.ThreadsPerProcess = 0
	assert.ErrorIs(t, topo.Validate(true), ErrConfig)
}

func TestConfigDefaultEndpoint(t *testing.T) {
	topo, err := Config{PortRange: 1, ProcessesPerPort: 1, ThreadsPerProcess: 1}.Topology()
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultEndpoint}, topo.Endpoints)
}

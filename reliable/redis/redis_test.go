//go:build unit

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtbase/lib-reliable/reliable/log"
)

func newStandaloneConfig(addr string) Config {
	return Config{
		Topology: Topology{
			Standalone: &StandaloneTopology{Address: addr},
		},
		Logger: &log.NopLogger{},
	}
}

func TestNewConnectsAndPings(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(srv.Addr()))
	require.NoError(t, err)

	defer client.Close()

	assert.True(t, client.IsConnected())

	rdb, err := client.GetClient(context.Background())
	require.NoError(t, err)

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())

	val, err := rdb.Get(context.Background(), "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestNewFailsWhenServerUnreachable(t *testing.T) {
	_, err := New(context.Background(), newStandaloneConfig("127.0.0.1:1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no topology", cfg: Config{}},
		{
			name: "empty standalone address",
			cfg: Config{
				Topology: Topology{Standalone: &StandaloneTopology{Address: "  "}},
			},
		},
		{
			name: "both topologies",
			cfg: Config{
				Topology: Topology{
					Standalone: &StandaloneTopology{Address: "localhost:6379"},
					Cluster:    &ClusterTopology{Addresses: []string{"localhost:7000"}},
				},
			},
		},
		{
			name: "cluster without addresses",
			cfg: Config{
				Topology: Topology{Cluster: &ClusterTopology{}},
			},
		},
		{
			name: "tls without CA cert",
			cfg: Config{
				Topology: Topology{Standalone: &StandaloneTopology{Address: "localhost:6379"}},
				TLS:      &TLSConfig{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestConnectionOptionDefaults(t *testing.T) {
	cfg, err := normalizeConfig(newStandaloneConfig("localhost:6379"))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Options.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Options.ReadTimeout)
	assert.Equal(t, 3*time.Second, cfg.Options.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.Options.DialTimeout)
	assert.Equal(t, 3, cfg.Options.MaxRetries)
}

func TestGetClientReconnectsLazily(t *testing.T) {
	srv := miniredis.RunT(t)

	client, err := New(context.Background(), newStandaloneConfig(srv.Addr()))
	require.NoError(t, err)

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())

	rdb, err := client.GetClient(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	assert.True(t, client.IsConnected())

	require.NoError(t, client.Close())
}

func TestNilClientMethods(t *testing.T) {
	var client *Client

	require.ErrorIs(t, client.Connect(context.Background()), ErrNilClient)

	_, err := client.GetClient(context.Background())
	require.ErrorIs(t, err, ErrNilClient)

	require.ErrorIs(t, client.Close(), ErrNilClient)
	assert.False(t, client.IsConnected())
}

package p2p

import "time"

// Config for all things related to the transport endpoint.
type Config struct {
	Listen             string        `mapstructure:"listen"`
	LowPeers           int           `mapstructure:"low-peers"`
	HighPeers          int           `mapstructure:"high-peers"`
	GracePeersShutdown time.Duration `mapstructure:"grace-peers-shutdown"`
}

// DefaultConfig config. Port 0 lets the OS choose; callers that need a
// shareable address read it back from the host after binding.
func DefaultConfig() Config {
	return Config{
		Listen:             "/ip4/0.0.0.0/tcp/0",
		LowPeers:           16,
		HighPeers:          64,
		GracePeersShutdown: 30 * time.Second,
	}
}

package xray

import (
	"context"
	"time"

	"github.com/veilgate/veilgate/logger"
)

// Client issues control commands to the running engine. Implementations
// must be safe for concurrent use.
type Client interface {
	// Mode reports the backend in use, "sdk" or "grpc".
	Mode() string
	// AddUser registers a credential on the inbound identified by tag.
	AddUser(ctx context.Context, tag, email, uuid, flow string, level uint32) error
	// RemoveUser drops the credential identified by email from the inbound.
	RemoveUser(ctx context.Context, tag, email string) error
	// GetTraffic reads the credential's uplink/downlink counters,
	// optionally resetting them atomically. Absent counters read as zero.
	GetTraffic(ctx context.Context, email string, reset bool) (*TrafficStat, error)
	Close() error
}

// ClientOptions configures backend negotiation.
type ClientOptions struct {
	APIAddr         string
	DescriptorFiles []string
	// ProbeTimeout bounds the managed-backend liveness probe.
	ProbeTimeout time.Duration
}

// NewClient negotiates the backend once: the managed SDK client is
// preferred, and the raw gRPC client is the fallback when SDK
// initialization or its probe fails. The returned client is cached by the
// caller for the process lifetime.
func NewClient(opts ClientOptions) (Client, error) {
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 3 * time.Second
	}

	sdk, err := newSDKClient(opts.APIAddr, opts.ProbeTimeout)
	if err == nil {
		logger.Infof("engine client ready (sdk backend, %s)", opts.APIAddr)
		return sdk, nil
	}
	logger.Warningf("sdk backend unavailable, falling back to raw grpc: %v", err)

	grpcClient, err := newGRPCClient(opts.APIAddr, opts.DescriptorFiles)
	if err != nil {
		return nil, err
	}
	logger.Infof("engine client ready (grpc backend, %s)", opts.APIAddr)
	return grpcClient, nil
}

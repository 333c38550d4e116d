// Package datasource defines the boundary to the on-chain data source and
// price oracle. The chain-query internals live behind these interfaces in
// an external SDK; the engine only ever sees hydrated telemetry snapshots,
// price quotes, and verified token metadata.
package datasource

import (
	"context"
	"crypto/tls"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/driftpool/clamm-engine/internal/logger"
	"github.com/driftpool/clamm-engine/internal/normalizer"
	"github.com/driftpool/clamm-engine/internal/types"
)

var dsLog = logger.GetForComponent("datasource")

// Hydrator reads live pool state from the chain and composes it into
// telemetry snapshots and swap events. Implementations batch where the
// underlying RPC allows it.
type Hydrator interface {
	// HydratePool fetches one pool's current state as a snapshot.
	HydratePool(ctx context.Context, pool types.PoolID) (types.TelemetrySnapshot, error)
	// RecentSwaps fetches the pool's recent swap events.
	RecentSwaps(ctx context.Context, pool types.PoolID) ([]types.SwapEvent, error)
	// DiscoverPools lists candidate pools with their immutable metadata.
	DiscoverPools(ctx context.Context) ([]types.PoolMetadata, error)
}

// PriceOracle resolves a USD price quote for a mint.
type PriceOracle interface {
	Quote(ctx context.Context, mint string) (normalizer.PriceQuote, error)
}

// TokenSource resolves verified token metadata. It doubles as the
// normalizer's decimals resolver; implementations must fail rather than
// guess a missing decimals value.
type TokenSource interface {
	normalizer.DecimalsResolver
	Token(ctx context.Context, mint string) (types.TokenInfo, error)
}

// Dial opens the gRPC connection the data-source client rides on. Endpoints
// on :443 get TLS transport credentials, anything else dials insecure
// (local nodes and test fixtures).
func Dial(endpoint string) (*grpc.ClientConn, error) {
	var creds grpc.DialOption
	if strings.Contains(endpoint, ":443") {
		creds = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}
	conn, err := grpc.Dial(endpoint, creds)
	if err != nil {
		return nil, err
	}
	dsLog.Info().Str("endpoint", endpoint).Msg("data-source connection established")
	return conn, nil
}

package bitcoin

import (
	"context"

	"github.com/btcsuite/btcd/btcjson"
)

// TemplateSource is the part of Bitcoin Core the job server needs
type TemplateSource interface {
	// GetBlockTemplate retrieves a block template for mining
	GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error)

	// GetBestBlockHash returns the hash of the current best block
	GetBestBlockHash(ctx context.Context) (string, error)

	// Ping tests connectivity to Bitcoin Core
	Ping(ctx context.Context) error

	// Close shuts down the client
	Close()
}

// BlockNotifier delivers Bitcoin Core ZMQ notifications
type BlockNotifier interface {
	Subscribe(topic string) error
	Connect() error
	// Listen hands every multipart message to handler until ctx is done
	Listen(ctx context.Context, handler func(topic string, data []byte) error) error
	Close() error
}

// Compile-time interface compliance checks
var (
	_ TemplateSource = (*RPCClient)(nil)
	_ BlockNotifier  = (*ZMQNotifier)(nil)
)

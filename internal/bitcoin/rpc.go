package bitcoin

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/prefixminer/pkg/circuit"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

// templateRequest asks for a segwit template whose coinbase the caller builds
var templateRequest = btcjson.TemplateRequest{
	Mode:         "template",
	Capabilities: []string{"coinbasetxn", "workid", "coinbase/append"},
	Rules:        []string{"segwit"},
}

// RPCConfig locates a Bitcoin Core node
type RPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (c RPCConfig) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RPCClient talks to Bitcoin Core over JSON-RPC. Every call goes through a
// circuit breaker and is retried on transient failures.
type RPCClient struct {
	client  *rpcclient.Client
	breaker *circuit.Breaker
	retries *retry.Config
	logger  *log.Logger
}

// NewRPCClient creates a client in HTTP POST mode without TLS, the usual
// setup for a node on the same host or network. No connection is made until
// the first call.
func NewRPCClient(cfg RPCConfig, logger *log.Logger) (*RPCClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.address(),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeBitcoin, "rpc_client_creation",
			"failed to create Bitcoin RPC client").
			WithContext("node", cfg.address())
	}

	logger = logger.WithComponent("bitcoin_rpc")
	return &RPCClient{
		client: client,
		breaker: circuit.New(&circuit.Config{
			Name:            "bitcoin_rpc",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
			ResetTimeout:    30 * time.Second,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.LogBreakerState(name, from.String(), to.String())
			},
		}),
		retries: retry.NetworkConfig(),
		logger:  logger,
	}, nil
}

// call runs one RPC under the breaker and the retry policy. Failures are
// classified as errorType under operation.
func call[T any](ctx context.Context, c *RPCClient, operation string, errorType errors.ErrorType, rpc func() (T, error)) (T, error) {
	return circuit.ExecuteWithResult(ctx, c.breaker, func() (T, error) {
		return retry.DoWithResult(ctx, c.retries, func() (T, error) {
			result, err := rpc()
			if err != nil {
				var zero T
				return zero, errors.Wrap(err, errorType, operation, "Bitcoin Core call failed")
			}
			return result, nil
		})
	})
}

// Close shuts the client down
func (c *RPCClient) Close() {
	c.client.Shutdown()
}

// GetBlockTemplate fetches a segwit block template
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return call(ctx, c, "get_block_template", errors.ErrorTypeBitcoin, func() (*btcjson.GetBlockTemplateResult, error) {
		req := templateRequest
		return c.client.GetBlockTemplateAsync(&req).Receive()
	})
}

// GetBestBlockHash returns the chain tip in display order
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	return call(ctx, c, "get_best_block_hash", errors.ErrorTypeBitcoin, func() (string, error) {
		hash, err := c.client.GetBestBlockHashAsync().Receive()
		if err != nil {
			return "", err
		}
		return hash.String(), nil
	})
}

// Ping checks that the node answers
func (c *RPCClient) Ping(ctx context.Context) error {
	_, err := call(ctx, c, "ping", errors.ErrorTypeNetwork, func() (struct{}, error) {
		return struct{}{}, c.client.PingAsync().Receive()
	})
	if err == nil {
		c.logger.Debug("Bitcoin Core answered ping")
	}
	return err
}

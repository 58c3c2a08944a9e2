package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

type Config struct {
	URL   string
	Layer model.Layer
	RPS   float64
	Burst int
}

// Client is a throttled go-ethereum client for one chain layer. Every error
// it returns is classified as a *retry.Error.
type Client struct {
	eth      *ethclient.Client
	throttle *Throttle
	layer    string
	logger   *slog.Logger
}

func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Layer, classifyError(err))
	}
	layer := cfg.Layer.String()
	return &Client{
		eth:      eth,
		throttle: NewThrottle(cfg.RPS, cfg.Burst, layer),
		layer:    layer,
		logger:   logger.With("component", "chain_client", "layer", layer),
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, classifyError(err)
	}
	sub, err := c.eth.SubscribeNewHead(ctx, ch)
	err = classifyError(err)
	recordCall(c.layer, "eth_subscribe_newHeads", err)
	return sub, err
}

func (c *Client) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, classifyError(err)
	}
	sub, err := c.eth.SubscribeFilterLogs(ctx, q, ch)
	err = classifyError(err)
	recordCall(c.layer, "eth_subscribe_logs", err)
	return sub, err
}

// HeaderByNumber returns the header at number, or the latest one when number
// is nil. A missing block is a null response.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, classifyError(err)
	}
	header, err := c.eth.HeaderByNumber(ctx, number)
	err = classifyError(err)
	recordCall(c.layer, "eth_getBlockByNumber", err)
	if err != nil {
		return nil, err
	}
	return header, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, classifyError(err)
	}
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	err = classifyError(err)
	recordCall(c.layer, "eth_call", err)
	return out, err
}

// SyncProgress issues eth_syncing. A nil progress means the node is synced.
func (c *Client) SyncProgress(ctx context.Context) (*ethereum.SyncProgress, error) {
	if err := c.throttle.Wait(ctx); err != nil {
		return nil, classifyError(err)
	}
	progress, err := c.eth.SyncProgress(ctx)
	err = classifyError(err)
	recordCall(c.layer, "eth_syncing", err)
	if err != nil {
		c.logger.Debug("eth_syncing failed", "error", err)
	}
	return progress, err
}

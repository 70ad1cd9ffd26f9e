package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/harishkotra/metapilot/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name         string
	RPCURL       string
	WalletRPCURL string
	Notes        string
}

// Pending-transaction thresholds used to derive the congestion level.
const (
	congestionMediumPending = 20_000
	congestionHighPending   = 50_000
)

// Client implements the web3.Client interface for EVM compatible chains.
// Chain reads go through ethclient; grant and execution calls are forwarded
// to the wallet RPC endpoint, which owns keys and signing.
type Client struct {
	name         string
	notes        string
	rpcClient    *gethrpc.Client
	walletClient *gethrpc.Client
	eth          *ethclient.Client
	mu           sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	walletClient := rpcClient
	if walletURL := strings.TrimSpace(cfg.WalletRPCURL); walletURL != "" && walletURL != rpcURL {
		walletClient, err = gethrpc.DialContext(ctx, walletURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接钱包 RPC 失败: %w", err)
		}
	}

	return &Client{
		name:         cfg.Name,
		notes:        cfg.Notes,
		rpcClient:    rpcClient,
		walletClient: walletClient,
		eth:          ethclient.NewClient(rpcClient),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.walletClient != nil && c.walletClient != c.rpcClient {
		c.walletClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.walletClient = nil
}

// grantParams mirrors the wallet-side permission request payload.
type grantParams struct {
	Token            string   `json:"token"`
	MaxSpendAmount   string   `json:"maxSpendAmount"`
	StartTime        int64    `json:"startTime"`
	EndTime          int64    `json:"endTime"`
	AllowedContracts []string `json:"allowedContracts"`
}

// grantReply is the wallet-side response for a created grant.
type grantReply struct {
	PermissionID string `json:"permissionId"`
	Signature    string `json:"signature"`
}

// CreatePermission asks the wallet layer to create an on-chain grant with the
// given boundaries and returns its opaque reference.
func (c *Client) CreatePermission(ctx context.Context, req web3.GrantRequest) (web3.GrantResult, error) {
	if c == nil || c.walletClient == nil {
		return web3.GrantResult{}, errors.New("未初始化的钱包客户端")
	}
	params := grantParams{
		Token:            req.Token,
		MaxSpendAmount:   strconv.FormatFloat(req.MaxSpendAmount, 'f', -1, 64),
		StartTime:        req.StartTime.UnixMilli(),
		EndTime:          req.EndTime.UnixMilli(),
		AllowedContracts: req.AllowedContracts,
	}
	var reply grantReply
	if err := c.walletClient.CallContext(ctx, &reply, "wallet_grantPermissions", params); err != nil {
		return web3.GrantResult{}, fmt.Errorf("创建授权失败: %w", err)
	}
	if strings.TrimSpace(reply.PermissionID) == "" {
		return web3.GrantResult{}, errors.New("钱包未返回授权引用")
	}
	return web3.GrantResult{Reference: reply.PermissionID, Signature: reply.Signature}, nil
}

// RevokePermission asks the wallet layer to revoke a previously created grant.
func (c *Client) RevokePermission(ctx context.Context, reference string) error {
	if c == nil || c.walletClient == nil {
		return errors.New("未初始化的钱包客户端")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return errors.New("授权引用不能为空")
	}
	var ok bool
	if err := c.walletClient.CallContext(ctx, &ok, "wallet_revokePermissions", reference); err != nil {
		return fmt.Errorf("撤销授权失败: %w", err)
	}
	return nil
}

// executeParams mirrors the wallet-side execution payload.
type executeParams struct {
	Destination   string `json:"destination"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	Data          string `json:"data,omitempty"`
	PermissionRef string `json:"permissionRef"`
}

// Execute forwards one approved call to the wallet layer and returns the
// broadcast transaction reference.
func (c *Client) Execute(ctx context.Context, call web3.ExecutionCall) (web3.ExecutionReceipt, error) {
	if c == nil || c.walletClient == nil {
		return web3.ExecutionReceipt{}, errors.New("未初始化的钱包客户端")
	}
	params := executeParams{
		Destination:   call.Destination,
		Token:         call.Token,
		Amount:        strconv.FormatFloat(call.Amount, 'f', -1, 64),
		PermissionRef: call.PermissionRef,
	}
	if len(call.Data) > 0 {
		params.Data = hexutil.Encode(call.Data)
	}
	var txHash string
	if err := c.walletClient.CallContext(ctx, &txHash, "wallet_executeWithPermission", params); err != nil {
		return web3.ExecutionReceipt{}, fmt.Errorf("执行链上调用失败: %w", err)
	}
	if strings.TrimSpace(txHash) == "" {
		return web3.ExecutionReceipt{}, errors.New("钱包未返回交易哈希")
	}
	return web3.ExecutionReceipt{TxReference: txHash}, nil
}

// FetchMarketSnapshot gathers gas price and network load metadata from the chain.
func (c *Client) FetchMarketSnapshot(ctx context.Context) (web3.MarketSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.MarketSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.MarketSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.MarketSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return web3.MarketSnapshot{}, fmt.Errorf("获取建议 gas 价格失败: %w", err)
	}

	congestion := web3.CongestionLow
	if pending, err := c.eth.PendingTransactionCount(ctx); err == nil {
		switch {
		case pending >= congestionHighPending:
			congestion = web3.CongestionHigh
		case pending >= congestionMediumPending:
			congestion = web3.CongestionMedium
		}
	}

	return web3.MarketSnapshot{
		GasPriceGwei:      weiToGwei(gasPrice),
		NetworkCongestion: congestion,
		ChainID:           toHexBig(chainID),
		BlockNumber:       fmt.Sprintf("0x%x", blockNumber),
		RetrievedAt:       time.Now(),
	}, nil
}

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	gwei := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9))
	value, _ := gwei.Float64()
	return value
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)

package web3

import (
	"context"
	"time"
)

// CongestionLevel categorizes the current network load for decision input.
type CongestionLevel string

const (
	CongestionLow    CongestionLevel = "low"
	CongestionMedium CongestionLevel = "medium"
	CongestionHigh   CongestionLevel = "high"
)

// MarketSnapshot captures point-in-time external conditions consumed by the
// decision engine. It is read-only reporting data and never feeds
// authorization checks.
type MarketSnapshot struct {
	GasPriceGwei      float64         `json:"gas_price_gwei"`
	NetworkCongestion CongestionLevel `json:"network_congestion"`
	ChainID           string          `json:"chain_id"`
	BlockNumber       string          `json:"block_number"`
	RetrievedAt       time.Time       `json:"retrieved_at"`
}

// GrantRequest carries the boundaries of a spending permission to the wallet
// layer when the grant is created on-chain.
type GrantRequest struct {
	Token            string
	MaxSpendAmount   float64
	StartTime        time.Time
	EndTime          time.Time
	AllowedContracts []string
}

// GrantResult is the opaque reference returned by the wallet layer for a
// successfully created grant.
type GrantResult struct {
	Reference string
	Signature string
}

// ExecutionCall describes one approved action handed to the wallet layer for
// signing and broadcast.
type ExecutionCall struct {
	Destination   string
	Token         string
	Amount        float64
	Data          []byte
	PermissionRef string
}

// ExecutionReceipt reports the transaction reference of a broadcast call.
type ExecutionReceipt struct {
	TxReference string
}

// Granter is the wallet-layer collaborator that creates and revokes
// spending permissions. Failures surface to callers untouched.
type Granter interface {
	CreatePermission(ctx context.Context, req GrantRequest) (GrantResult, error)
	RevokePermission(ctx context.Context, reference string) error
}

// Executor is the wallet-layer collaborator that carries out approved calls.
type Executor interface {
	Execute(ctx context.Context, call ExecutionCall) (ExecutionReceipt, error)
}

// ChainReader provides eventually consistent chain data for reconciliation
// and decision context.
type ChainReader interface {
	FetchMarketSnapshot(ctx context.Context) (MarketSnapshot, error)
}

// Client combines every collaborator role a chain backend can fulfil.
type Client interface {
	Granter
	Executor
	ChainReader
	Close()
}

// Package chain wraps all blockchain interactions with the arbitrable
// escrow contract.
//
// Every state-changing call submits a transaction, waits for inclusion,
// and reports reverts explicitly. The adapter never assumes a local
// success mirrors chain success; callers confirm with ReadTransaction.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/brickvest/reservd/internal/circuitbreaker"
	"github.com/brickvest/reservd/internal/metrics"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey   = errors.New("chain: invalid private key")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInvalidAmount       = errors.New("chain: invalid amount")
	ErrUserRejected        = errors.New("chain: signing rejected by user")
	ErrNetworkUnavailable  = errors.New("chain: network unavailable")
	ErrWrongNetwork        = errors.New("chain: connected to wrong network")
	ErrTransactionReverted = errors.New("chain: transaction reverted")
	ErrTimeout             = errors.New("chain: operation timed out")
	ErrNotReady            = errors.New("chain: client not ready")
	ErrTxNotFound          = errors.New("chain: transaction not found")
)

// CallError wraps contract call failures with context
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// On-chain transaction state
// -----------------------------------------------------------------------------

// Status is the escrow contract's own status code for a transaction.
// It is sourced from the chain and never mutated locally.
type Status uint8

const (
	StatusNoDispute Status = iota
	StatusWaitingReceiver
	StatusWaitingSender
	StatusDisputeCreated
	StatusResolved
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNoDispute:
		return "no_dispute"
	case StatusWaitingReceiver:
		return "waiting_receiver"
	case StatusWaitingSender:
		return "waiting_sender"
	case StatusDisputeCreated:
		return "dispute_created"
	case StatusResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Ruling is the arbitrator's decision on a dispute.
type Ruling uint8

const (
	RulingRefused  Ruling = 0 // Arbitrator refused to rule
	RulingSender   Ruling = 1 // Funds returned to sender (buyer)
	RulingReceiver Ruling = 2 // Funds released to receiver (platform)
)

// Transaction mirrors one escrow transaction's on-chain state.
type Transaction struct {
	ID              uint64
	Sender          common.Address
	Receiver        common.Address
	Amount          *big.Int
	TimeoutPayment  time.Duration
	LastInteraction time.Time
	DisputeID       *uint64 // nil until a dispute is raised
	Status          Status
	Ruling          Ruling // meaningful only when Status is Resolved with a dispute
}

// ReimburseAfter returns the instant at which the timeout window elapses
// and the sender becomes eligible to reclaim funds.
func (t *Transaction) ReimburseAfter() time.Time {
	return t.LastInteraction.Add(t.TimeoutPayment)
}

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// EscrowContract is the adapter surface consumed by the rest of the core.
type EscrowContract interface {
	CreateTransaction(ctx context.Context, receiver common.Address, timeout time.Duration, metaEvidenceURI string, amount *big.Int) (*CreateResult, error)
	Pay(ctx context.Context, transactionID uint64, amount *big.Int) error
	Reimburse(ctx context.Context, transactionID uint64, amount *big.Int) error
	ExecuteTransaction(ctx context.Context, transactionID uint64) error
	RaiseDispute(ctx context.Context, transactionID uint64, arbitrationFee *big.Int) error
	SubmitEvidence(ctx context.Context, transactionID uint64, evidenceURI string) error
	ReadTransaction(ctx context.Context, transactionID uint64) (*Transaction, error)
	ArbitrationCost(ctx context.Context) (*big.Int, error)
	Address() string
	ChainID() int64
	Ready() bool
}

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Arbitrable escrow contract ABI (subset used by this service)
const escrowABI = `[
	{"inputs":[{"name":"_timeoutPayment","type":"uint256"},{"name":"_receiver","type":"address"},{"name":"_metaEvidence","type":"string"}],"name":"createTransaction","outputs":[{"name":"transactionID","type":"uint256"}],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"_transactionID","type":"uint256"},{"name":"_amount","type":"uint256"}],"name":"pay","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_transactionID","type":"uint256"},{"name":"_amountReimbursed","type":"uint256"}],"name":"reimburse","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_transactionID","type":"uint256"}],"name":"executeTransaction","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_transactionID","type":"uint256"}],"name":"payArbitrationFeeBySender","outputs":[],"stateMutability":"payable","type":"function"},
	{"inputs":[{"name":"_transactionID","type":"uint256"},{"name":"_evidence","type":"string"}],"name":"submitEvidence","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"arbitrationCost","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"","type":"uint256"}],"name":"transactions","outputs":[{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"amount","type":"uint256"},{"name":"timeoutPayment","type":"uint256"},{"name":"lastInteraction","type":"uint256"},{"name":"disputeId","type":"uint256"},{"name":"ruling","type":"uint8"},{"name":"status","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"_transactionID","type":"uint256"},{"indexed":true,"name":"_sender","type":"address"},{"indexed":true,"name":"_receiver","type":"address"}],"name":"TransactionCreated","type":"event"}
]`

const (
	// DefaultGasLimit for escrow contract calls when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 90 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	// breakerKey groups all RPC traffic under one circuit
	breakerKey = "rpc"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new chain client
type Config struct {
	RPCURL         string
	PrivateKey     string // Hex string, with or without 0x prefix
	ChainID        int64
	EscrowContract string
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBreaker sets a custom circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// CreateResult holds the outcome of a successful createTransaction call.
type CreateResult struct {
	TransactionID uint64
	TxHash        string
	BlockNumber   uint64
	GasUsed       uint64
}

// Client talks to the arbitrable escrow contract on behalf of the platform.
type Client struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	breaker    *circuitbreaker.Breaker
	verified   bool // network ID confirmed to match config
}

// Compile-time interface check
var _ EscrowContract = (*Client)(nil)

// New creates a new chain client. Call VerifyNetwork before first use;
// Ready reports false until the connected network has been confirmed.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &Client{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.EscrowContract),
		abi:        parsedABI,
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	// Connect to RPC if no client provided
	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrNetworkUnavailable)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return fmt.Errorf("%w: escrow contract address required", ErrInvalidAddress)
	}
	return nil
}

// Address returns the platform signer's address
func (c *Client) Address() string {
	return c.address.Hex()
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() int64 {
	return c.chainID.Int64()
}

// Ready reports whether the client is connected to the expected network.
// The readiness state is computed once by VerifyNetwork, not probed on
// every call.
func (c *Client) Ready() bool {
	return c.client != nil && c.verified
}

// VerifyNetwork confirms the RPC endpoint serves the configured chain.
// Returns ErrWrongNetwork on a mismatch.
func (c *Client) VerifyNetwork(ctx context.Context) error {
	id, err := c.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: expected %s, got %s", ErrWrongNetwork, c.chainID, id)
	}
	c.verified = true
	return nil
}

// -----------------------------------------------------------------------------
// Contract calls
// -----------------------------------------------------------------------------

// CreateTransaction opens a new escrow transaction funded with amount wei.
// It waits for inclusion and returns the chain-assigned transaction ID
// parsed from the TransactionCreated event.
func (c *Client) CreateTransaction(ctx context.Context, receiver common.Address, timeout time.Duration, metaEvidenceURI string, amount *big.Int) (*CreateResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, &CallError{Op: "createTransaction", Err: ErrInvalidAmount}
	}

	timeoutSecs := new(big.Int).SetInt64(int64(timeout / time.Second))
	data, err := c.abi.Pack("createTransaction", timeoutSecs, receiver, metaEvidenceURI)
	if err != nil {
		return nil, &CallError{Op: "createTransaction", Err: err}
	}

	receipt, txHash, err := c.sendAndWait(ctx, "createTransaction", data, amount)
	if err != nil {
		return nil, err
	}

	id, err := c.transactionIDFromLogs(receipt)
	if err != nil {
		return nil, &CallError{Op: "createTransaction", TxHash: txHash, Err: err}
	}

	metrics.EscrowCreatedTotal.Inc()
	return &CreateResult{
		TransactionID: id,
		TxHash:        txHash,
		BlockNumber:   receipt.BlockNumber.Uint64(),
		GasUsed:       receipt.GasUsed,
	}, nil
}

// Pay releases part or all of the escrowed amount to the receiver.
func (c *Client) Pay(ctx context.Context, transactionID uint64, amount *big.Int) error {
	return c.simpleCall(ctx, "pay", nil, new(big.Int).SetUint64(transactionID), amount)
}

// Reimburse returns part or all of the escrowed amount to the sender.
// The local timeout check belongs to the state machine; the contract
// enforces the authoritative condition and reverts otherwise.
func (c *Client) Reimburse(ctx context.Context, transactionID uint64, amount *big.Int) error {
	return c.simpleCall(ctx, "reimburse", nil, new(big.Int).SetUint64(transactionID), amount)
}

// ExecuteTransaction pays out the whole escrow to the receiver once the
// timeout favors them or both parties agree.
func (c *Client) ExecuteTransaction(ctx context.Context, transactionID uint64) error {
	return c.simpleCall(ctx, "executeTransaction", nil, new(big.Int).SetUint64(transactionID))
}

// RaiseDispute pays the sender-side arbitration fee, creating a dispute.
func (c *Client) RaiseDispute(ctx context.Context, transactionID uint64, arbitrationFee *big.Int) error {
	if arbitrationFee == nil || arbitrationFee.Sign() <= 0 {
		return &CallError{Op: "payArbitrationFeeBySender", Err: ErrInvalidAmount}
	}
	err := c.simpleCall(ctx, "payArbitrationFeeBySender", arbitrationFee, new(big.Int).SetUint64(transactionID))
	if err == nil {
		metrics.EscrowDisputedTotal.Inc()
	}
	return err
}

// SubmitEvidence links an evidence document to the transaction's dispute.
func (c *Client) SubmitEvidence(ctx context.Context, transactionID uint64, evidenceURI string) error {
	return c.simpleCall(ctx, "submitEvidence", nil, new(big.Int).SetUint64(transactionID), evidenceURI)
}

// ArbitrationCost reads the current fee required to raise a dispute.
func (c *Client) ArbitrationCost(ctx context.Context) (*big.Int, error) {
	out, err := c.viewCall(ctx, "arbitrationCost")
	if err != nil {
		return nil, err
	}
	cost, ok := out[0].(*big.Int)
	if !ok {
		return nil, &CallError{Op: "arbitrationCost", Err: errors.New("unexpected return type")}
	}
	return cost, nil
}

// ReadTransaction fetches the current on-chain state of one escrow
// transaction. This is the only way local state is refreshed.
func (c *Client) ReadTransaction(ctx context.Context, transactionID uint64) (*Transaction, error) {
	out, err := c.viewCall(ctx, "transactions", new(big.Int).SetUint64(transactionID))
	if err != nil {
		return nil, err
	}
	if len(out) != 8 {
		return nil, &CallError{Op: "transactions", Err: errors.New("unexpected return arity")}
	}

	sender, _ := out[0].(common.Address)
	receiver, _ := out[1].(common.Address)
	amount, _ := out[2].(*big.Int)
	timeoutPayment, _ := out[3].(*big.Int)
	lastInteraction, _ := out[4].(*big.Int)
	disputeID, _ := out[5].(*big.Int)
	ruling, _ := out[6].(uint8)
	status, _ := out[7].(uint8)

	if amount == nil || timeoutPayment == nil || lastInteraction == nil {
		return nil, &CallError{Op: "transactions", Err: errors.New("malformed transaction tuple")}
	}

	// The contract returns a zero tuple for unknown IDs.
	if sender == (common.Address{}) && amount.Sign() == 0 {
		return nil, ErrTxNotFound
	}

	tx := &Transaction{
		ID:              transactionID,
		Sender:          sender,
		Receiver:        receiver,
		Amount:          amount,
		TimeoutPayment:  time.Duration(timeoutPayment.Int64()) * time.Second,
		LastInteraction: time.Unix(lastInteraction.Int64(), 0).UTC(),
		Status:          Status(status),
		Ruling:          Ruling(ruling),
	}
	if disputeID != nil && disputeID.Sign() > 0 {
		id := disputeID.Uint64()
		tx.DisputeID = &id
	}
	return tx, nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// simpleCall packs and submits a state-changing call with optional value,
// waiting for inclusion.
func (c *Client) simpleCall(ctx context.Context, method string, value *big.Int, args ...interface{}) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return &CallError{Op: method, Err: err}
	}
	_, _, err = c.sendAndWait(ctx, method, data, value)
	return err
}

// viewCall executes a read-only contract call.
func (c *Client) viewCall(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, &CallError{Op: method, Err: ErrNetworkUnavailable}
	}

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}

	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		metrics.ChainCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, &CallError{Op: method, Err: classify(err)}
	}
	c.breaker.RecordSuccess(breakerKey)
	metrics.ChainCallsTotal.WithLabelValues(method, "ok").Inc()

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	return out, nil
}

// sendAndWait signs, submits, and waits for a transaction to be mined.
// A mined-but-reverted transaction returns ErrTransactionReverted: the
// attempted transition did not take effect, but gas was spent and partial
// effects may exist, so callers must re-read state rather than assume a
// no-op.
func (c *Client) sendAndWait(ctx context.Context, op string, data []byte, value *big.Int) (*types.Receipt, string, error) {
	if !c.breaker.Allow(breakerKey) {
		return nil, "", &CallError{Op: op, Err: ErrNetworkUnavailable}
	}
	if value == nil {
		value = big.NewInt(0)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, "", &CallError{Op: op, Err: classify(err)}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return nil, "", &CallError{Op: op, Err: classify(err)}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, "", &CallError{Op: op, Err: classify(err)}
	}
	txHash := signedTx.Hash().Hex()

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		c.breaker.RecordFailure(breakerKey)
		metrics.ChainCallsTotal.WithLabelValues(op, "error").Inc()
		return nil, txHash, &CallError{Op: op, TxHash: txHash, Err: classify(err)}
	}
	c.breaker.RecordSuccess(breakerKey)

	receipt, err := c.WaitForMined(ctx, txHash, DefaultConfirmationTimeout)
	if err != nil {
		metrics.ChainCallsTotal.WithLabelValues(op, "error").Inc()
		return nil, txHash, &CallError{Op: op, TxHash: txHash, Err: err}
	}

	if receipt.Status == 0 {
		metrics.ChainCallsTotal.WithLabelValues(op, "reverted").Inc()
		return nil, txHash, &CallError{Op: op, TxHash: txHash, Err: ErrTransactionReverted}
	}

	metrics.ChainCallsTotal.WithLabelValues(op, "ok").Inc()
	return receipt, txHash, nil
}

// WaitForMined polls until the transaction is included in a block.
func (c *Client) WaitForMined(ctx context.Context, txHash string, timeout time.Duration) (*types.Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}
			return receipt, nil
		}
	}
}

// transactionIDFromLogs extracts the escrow transaction ID from the
// TransactionCreated event in the receipt.
func (c *Client) transactionIDFromLogs(receipt *types.Receipt) (uint64, error) {
	createdSig := c.abi.Events["TransactionCreated"].ID
	for _, vLog := range receipt.Logs {
		if vLog.Address != c.contract {
			continue
		}
		if len(vLog.Topics) < 2 || vLog.Topics[0] != createdSig {
			continue
		}
		return new(big.Int).SetBytes(vLog.Topics[1].Bytes()).Uint64(), nil
	}
	return 0, errors.New("TransactionCreated event not found in receipt")
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// classify maps raw RPC/signer errors onto the adapter's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return fmt.Errorf("%w: %v", ErrUserRejected, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "eof"):
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	default:
		return err
	}
}

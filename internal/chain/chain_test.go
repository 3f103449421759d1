package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// stubEthClient satisfies EthClient without touching the network.
type stubEthClient struct {
	networkID *big.Int
}

func (s *stubEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (s *stubEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (s *stubEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return DefaultGasLimit, nil
}

func (s *stubEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return errors.New("not implemented")
}

func (s *stubEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not implemented")
}

func (s *stubEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *stubEthClient) NetworkID(ctx context.Context) (*big.Int, error) {
	if s.networkID == nil {
		return nil, errors.New("connection refused")
	}
	return s.networkID, nil
}

func (s *stubEthClient) Close() {}

func validTestConfig() Config {
	return Config{
		RPCURL:         "http://localhost:8545",
		PrivateKey:     testPrivateKey,
		ChainID:        84532,
		EscrowContract: "0x4444444444444444444444444444444444444444",
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing rpc", func(c *Config) { c.RPCURL = "" }, ErrNetworkUnavailable},
		{"missing key", func(c *Config) { c.PrivateKey = "" }, ErrInvalidPrivateKey},
		{"short key", func(c *Config) { c.PrivateKey = "abc123" }, ErrInvalidPrivateKey},
		{"missing contract", func(c *Config) { c.EscrowContract = "" }, ErrInvalidAddress},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(&cfg)
			if err := validateConfig(cfg); !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if err := validateConfig(validTestConfig()); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	cfg := validTestConfig()
	cfg.PrivateKey = "zz" + testPrivateKey[2:]
	if _, err := New(cfg); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected ErrInvalidPrivateKey, got %v", err)
	}
}

func TestNewAcceptsPrefixedKey(t *testing.T) {
	cfg := validTestConfig()
	cfg.PrivateKey = "0x" + testPrivateKey
	c, err := New(cfg, WithClient(&stubEthClient{networkID: big.NewInt(84532)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.ChainID() != 84532 {
		t.Errorf("chain ID = %d", c.ChainID())
	}
	// Not verified yet, so not ready.
	if c.Ready() {
		t.Error("client ready before network verification")
	}
	if err := c.VerifyNetwork(context.Background()); err != nil {
		t.Fatalf("VerifyNetwork: %v", err)
	}
	if !c.Ready() {
		t.Error("client not ready after verification")
	}
}

func TestVerifyNetworkMismatch(t *testing.T) {
	c, err := New(validTestConfig(), WithClient(&stubEthClient{networkID: big.NewInt(1)}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.VerifyNetwork(context.Background()); !errors.Is(err, ErrWrongNetwork) {
		t.Fatalf("expected ErrWrongNetwork, got %v", err)
	}
	if c.Ready() {
		t.Error("client ready despite wrong network")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"user rejected", errors.New("MetaMask Tx Signature: User denied transaction signature"), ErrUserRejected},
		{"user rejected alt", errors.New("user rejected the request"), ErrUserRejected},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8545: connection refused"), ErrNetworkUnavailable},
		{"dns failure", errors.New("no such host"), ErrNetworkUnavailable},
		{"io timeout", errors.New("read tcp: i/o timeout"), ErrNetworkUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.in); !errors.Is(got, tc.want) {
				t.Errorf("classify(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	// Unrecognized errors pass through unchanged.
	plain := errors.New("execution reverted: timeout not elapsed")
	if got := classify(plain); !errors.Is(got, plain) {
		t.Errorf("classify changed unrecognized error: %v", got)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusNoDispute:       "no_dispute",
		StatusWaitingReceiver: "waiting_receiver",
		StatusWaitingSender:   "waiting_sender",
		StatusDisputeCreated:  "dispute_created",
		StatusResolved:        "resolved",
		Status(9):             "unknown",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %s, want %s", status, got, want)
		}
	}
}

func TestReimburseAfter(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tx := &Transaction{LastInteraction: last, TimeoutPayment: time.Hour}
	if got := tx.ReimburseAfter(); !got.Equal(last.Add(time.Hour)) {
		t.Errorf("ReimburseAfter = %v", got)
	}
}

func TestCallErrorWrapping(t *testing.T) {
	err := &CallError{Op: "reimburse", TxHash: "0xabc", Err: ErrTransactionReverted}
	if !errors.Is(err, ErrTransactionReverted) {
		t.Error("CallError does not unwrap")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}

	bare := &CallError{Op: "pay", Err: ErrInvalidAmount}
	if !errors.Is(bare, ErrInvalidAmount) {
		t.Error("bare CallError does not unwrap")
	}
}

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
)

// Config for the custodial signer.
type Config struct {
	RPCURL              string
	PrivateKey          string // Hex string, 0x prefix optional
	ChainID             int64
	MarketplaceContract string
	AssetTokenContract  string
	Confirmations       int64 // Blocks of depth before a mined tx counts as final (min 1)
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.MarketplaceContract == "" {
		return fmt.Errorf("marketplace contract address required")
	}
	if cfg.AssetTokenContract == "" {
		return fmt.Errorf("asset token contract address required")
	}
	return nil
}

// Option configures the signer.
type Option func(*Signer)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(s *Signer) {
		s.client = client
	}
}

// Signer signs and submits transactions from the custodial hot wallet.
type Signer struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	marketplace    common.Address
	assetToken     common.Address
	marketplaceABI abi.ABI
	assetTokenABI  abi.ABI
	pollInterval   time.Duration
	confirmations  uint64
}

// NewSigner creates a custodial signer from config.
func NewSigner(cfg Config, opts ...Option) (*Signer, error) {
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

	mABI, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace ABI: %w", err)
	}
	tABI, err := abi.JSON(strings.NewReader(assetTokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse asset token ABI: %w", err)
	}

	confirmations := cfg.Confirmations
	if confirmations < 1 {
		confirmations = 1
	}

	s := &Signer{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		marketplace:    common.HexToAddress(cfg.MarketplaceContract),
		assetToken:     common.HexToAddress(cfg.AssetTokenContract),
		marketplaceABI: mABI,
		assetTokenABI:  tABI,
		pollInterval:   ConfirmationPollInterval,
		confirmations:  uint64(confirmations),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}

	return s, nil
}

// Address returns the hot wallet address.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// submit signs and sends a contract call, returning once the
// transaction is accepted by the node (not mined).
func (s *Signer) submit(ctx context.Context, op string, to common.Address, data []byte) (*TxResult, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, &ChainError{Op: op + "_nonce", Err: err}
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &ChainError{Op: op + "_gas_price", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return nil, &ChainError{Op: op + "_sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &ChainError{Op: op + "_send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TxResult{TxHash: signedTx.Hash().Hex(), Nonce: nonce}, nil
}

// WaitForConfirmation polls until the transaction is mined at the
// configured depth or the timeout elapses. A reverted transaction
// returns a ChainError. A timeout or cancelled context returns an
// AmbiguousError: the transaction was already broadcast and may still
// mine, so the caller must not treat it as a clean failure.
func (s *Signer) WaitForConfirmation(ctx context.Context, op, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &AmbiguousError{Op: op, TxHash: txHash, Err: ErrTimeout}
			}
			return nil, &AmbiguousError{Op: op, TxHash: txHash, Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := s.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}

			if receipt.Status == 0 {
				return nil, &ChainError{Op: op, TxHash: txHash, Err: ErrTransactionFailed}
			}

			if s.confirmations > 1 {
				target := receipt.BlockNumber.Uint64() + s.confirmations - 1
				if err := s.waitForDepth(ctx, target); err != nil {
					return nil, &AmbiguousError{Op: op, TxHash: txHash, Err: err}
				}
			}

			return &TxResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// waitForDepth blocks until the head block reaches target.
func (s *Signer) waitForDepth(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		head, err := s.client.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the client connection.
func (s *Signer) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"giftlock/internal/contracts"
	"giftlock/internal/gift"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	_ Adapter   = (*EthAdapter)(nil)
	_ Confirmer = (*EthAdapter)(nil)
)

// EthAdapter holds assets in the externally owned account of its signing key
// and moves them with ERC-20 / ERC-721 calls.
type EthAdapter struct {
	client    *ethclient.Client
	erc20     abi.ABI
	erc721    abi.ABI
	escrow    common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts

	// serializes nonce assignment between concurrent transfers
	sendMu sync.Mutex

	receiptTimeout time.Duration
	pollInterval   time.Duration
}

type EthAdapterConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

func NewEthAdapter(ctx context.Context, cfg EthAdapterConfig) (*EthAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for custody transfers")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	erc20, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	erc721, err := abi.JSON(strings.NewReader(contracts.ERC721ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc721 abi: %w", err)
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	a := &EthAdapter{
		client:         cli,
		erc20:          erc20,
		erc721:         erc721,
		escrow:         crypto.PubkeyToAddress(pk.PublicKey),
		chainID:        chainID,
		transacts:      txOpts,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
	}
	if a.receiptTimeout <= 0 {
		a.receiptTimeout = 2 * time.Minute
	}
	if a.pollInterval <= 0 {
		a.pollInterval = 2 * time.Second
	}
	return a, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address is the escrow account holding custodied assets.
func (a *EthAdapter) Address() string {
	return a.escrow.Hex()
}

func (a *EthAdapter) Ping(ctx context.Context) error {
	_, err := a.client.BlockNumber(ctx)
	return err
}

func (a *EthAdapter) Close() {
	a.client.Close()
}

func (a *EthAdapter) Pull(ctx context.Context, from string, asset gift.Asset, qty *big.Int) error {
	owner, err := parseAddress(from)
	if err != nil {
		return err
	}
	token, err := parseAddress(asset.Ref)
	if err != nil {
		return err
	}

	switch asset.Kind {
	case gift.Fungible:
		if err := validateQuantity(qty); err != nil {
			return err
		}
		c := a.bind(token, a.erc20)
		balance, err := callBigInt(ctx, c, a.escrow, "balanceOf", owner)
		if err != nil {
			return err
		}
		if balance.Cmp(qty) < 0 {
			return ErrInsufficientFunds
		}
		allowance, err := callBigInt(ctx, c, a.escrow, "allowance", owner, a.escrow)
		if err != nil {
			return err
		}
		if allowance.Cmp(qty) < 0 {
			return ErrInsufficientApproval
		}
		return a.send(ctx, c, "transferFrom", owner, a.escrow, qty)

	case gift.Unique:
		tokenID, err := parseTokenID(asset.UnitRef)
		if err != nil {
			return err
		}
		c := a.bind(token, a.erc721)
		current, err := callAddress(ctx, c, a.escrow, "ownerOf", tokenID)
		if err != nil {
			return err
		}
		if current != owner {
			return ErrInsufficientFunds
		}
		ok, err := a.approvedFor(ctx, c, owner, tokenID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientApproval
		}
		return a.send(ctx, c, "transferFrom", owner, a.escrow, tokenID)
	}
	return fmt.Errorf("%w: unknown asset kind", gift.ErrInvalidInput)
}

func (a *EthAdapter) Push(ctx context.Context, to string, asset gift.Asset, qty *big.Int) error {
	recipient, err := parseAddress(to)
	if err != nil {
		return err
	}
	token, err := parseAddress(asset.Ref)
	if err != nil {
		return err
	}

	switch asset.Kind {
	case gift.Fungible:
		if err := validateQuantity(qty); err != nil {
			return err
		}
		return a.send(ctx, a.bind(token, a.erc20), "transfer", recipient, qty)
	case gift.Unique:
		tokenID, err := parseTokenID(asset.UnitRef)
		if err != nil {
			return err
		}
		return a.send(ctx, a.bind(token, a.erc721), "transferFrom", a.escrow, recipient, tokenID)
	}
	return fmt.Errorf("%w: unknown asset kind", gift.ErrInvalidInput)
}

func (a *EthAdapter) approvedFor(ctx context.Context, c *bind.BoundContract, owner common.Address, tokenID *big.Int) (bool, error) {
	approved, err := callAddress(ctx, c, a.escrow, "getApproved", tokenID)
	if err != nil {
		return false, err
	}
	if approved == a.escrow {
		return true, nil
	}
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx, From: a.escrow}, &out, "isApprovedForAll", owner, a.escrow); err != nil {
		return false, fmt.Errorf("%w: isApprovedForAll: %v", ErrTransferFailed, err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("%w: isApprovedForAll: unexpected result", ErrTransferFailed)
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

func (a *EthAdapter) bind(address common.Address, parsed abi.ABI) *bind.BoundContract {
	return bind.NewBoundContract(address, parsed, a.client, a.client, a.client)
}

// send submits the transaction and waits, bounded by the receipt timeout,
// for it to be mined. A rejected submission or a reverted receipt is
// ErrTransferFailed. Once the transaction is out, running out of time is
// not a failure: the hash comes back in an UnconfirmedError.
func (a *EthAdapter) send(ctx context.Context, c *bind.BoundContract, method string, params ...interface{}) error {
	a.sendMu.Lock()
	opts := *a.transacts
	opts.Context = ctx
	tx, err := c.Transact(&opts, method, params...)
	a.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %s tx: %v", ErrTransferFailed, method, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.receiptTimeout)
	defer cancel()

	receipt, err := WaitForReceipt(waitCtx, a.client, tx, a.pollInterval)
	if err != nil {
		return &UnconfirmedError{Ref: tx.Hash().Hex(), Err: fmt.Errorf("%s receipt: %w", method, err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s reverted in tx %s", ErrTransferFailed, method, tx.Hash().Hex())
	}
	return nil
}

// TransferStatus looks up the receipt of a transaction returned in an
// UnconfirmedError.
func (a *EthAdapter) TransferStatus(ctx context.Context, ref string) (TransferStatus, error) {
	if !strings.HasPrefix(ref, "0x") || len(ref) != 66 {
		return TransferPending, fmt.Errorf("invalid transaction hash %q", ref)
	}
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if errors.Is(err, ethereum.NotFound) {
		return TransferPending, nil
	}
	if err != nil {
		return TransferPending, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TransferReverted, nil
	}
	return TransferConfirmed, nil
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func callBigInt(ctx context.Context, c *bind.BoundContract, from common.Address, method string, params ...interface{}) (*big.Int, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx, From: from}, &out, method, params...); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransferFailed, method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: %s: unexpected result", ErrTransferFailed, method)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected result type %T", ErrTransferFailed, method, out[0])
	}
	return v, nil
}

func callAddress(ctx context.Context, c *bind.BoundContract, from common.Address, method string, params ...interface{}) (common.Address, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx, From: from}, &out, method, params...); err != nil {
		return common.Address{}, fmt.Errorf("%w: %s: %v", ErrTransferFailed, method, err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("%w: %s: unexpected result", ErrTransferFailed, method)
	}
	v, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s: unexpected result type %T", ErrTransferFailed, method, out[0])
	}
	return v, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", gift.ErrInvalidInput, s)
	}
	return common.HexToAddress(s), nil
}

func parseTokenID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(s), 0)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid token id %q", gift.ErrInvalidInput, s)
	}
	return id, nil
}

func validateQuantity(qty *big.Int) error {
	if qty == nil || qty.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive quantity", gift.ErrInvalidInput)
	}
	return nil
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cppla/monascore/models"
)

// MonaScoreABI describes the single view the server reads from the contract.
const MonaScoreABI = `[{
	"type": "function",
	"name": "getUser",
	"stateMutability": "view",
	"inputs": [{"name": "user", "type": "address"}],
	"outputs": [
		{"name": "points", "type": "uint256"},
		{"name": "referralCode", "type": "string"},
		{"name": "referrer", "type": "string"},
		{"name": "messageHistory", "type": "string[]"},
		{"name": "lastClaim", "type": "uint256"},
		{"name": "registered", "type": "bool"}
	]
}]`

const getUserMethod = "getUser"

// Reader is the ledger capability the reconciliation engine depends on.
type Reader interface {
	// GetUser returns the registered on-chain user, or found=false when the
	// chain has no registered record for the address.
	GetUser(ctx context.Context, address string) (user models.User, found bool, err error)
	// VerifyTx reports whether txHash is a successful call from address to the contract.
	VerifyTx(ctx context.Context, address, txHash string) (bool, error)
}

// contractBackend is the subset of *ethclient.Client the reader uses.
type contractBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ReaderConfig configures an EVMReader.
type ReaderConfig struct {
	RPCURL          string
	ContractAddress string
	Retry           RetryConfig
	// RatePerSecond <= 0 disables the limiter.
	RatePerSecond float64
	RateBurst     int
}

// EVMReader reads MonaScore state over JSON-RPC.
type EVMReader struct {
	backend  contractBackend
	closeFn  func()
	contract common.Address
	abi      abi.ABI
	retry    RetryConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
	inflight singleflight.Group

	chainIDMu sync.Mutex
	chainID   *big.Int
}

// NewEVMReader dials the RPC endpoint and binds the MonaScore contract.
func NewEVMReader(ctx context.Context, cfg ReaderConfig, logger *zap.Logger) (*EVMReader, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is empty")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	r, err := newEVMReader(client, cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	r.closeFn = client.Close
	return r, nil
}

func newEVMReader(backend contractBackend, cfg ReaderConfig, logger *zap.Logger) (*EVMReader, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(MonaScoreABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &EVMReader{
		backend:  backend,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
		retry:    cfg.Retry,
		limiter:  limiter,
		logger:   logger.Named("chain"),
	}, nil
}

// Close releases the RPC connection.
func (r *EVMReader) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

type userLookup struct {
	user  models.User
	found bool
}

// GetUser reads the user from the contract, retrying transient failures.
func (r *EVMReader) GetUser(ctx context.Context, address string) (models.User, bool, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	v, err, _ := r.inflight.Do(address, func() (interface{}, error) {
		user, ok, err := Retry(ctx, r.retry, r.limiter, r.logger, func(ctx context.Context) (models.User, error) {
			return r.callGetUser(ctx, address)
		})
		if err != nil {
			return userLookup{}, err
		}
		return userLookup{user: user, found: ok && user.Registered}, nil
	})
	if err != nil {
		return models.User{}, false, err
	}
	res := v.(userLookup)
	if !res.found {
		return models.User{}, false, nil
	}
	return res.user, true, nil
}

func (r *EVMReader) callGetUser(ctx context.Context, address string) (models.User, error) {
	if !common.IsHexAddress(address) {
		return models.User{}, Permanent(fmt.Errorf("invalid argument: address %q", address))
	}
	data, err := r.abi.Pack(getUserMethod, common.HexToAddress(address))
	if err != nil {
		return models.User{}, Permanent(fmt.Errorf("pack %s: %w", getUserMethod, err))
	}
	contract := r.contract
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return models.User{}, err
	}
	return r.decodeUser(address, out)
}

func (r *EVMReader) decodeUser(address string, out []byte) (models.User, error) {
	values, err := r.abi.Unpack(getUserMethod, out)
	if err != nil {
		return models.User{}, Malformed(fmt.Errorf("unpack %s: %w", getUserMethod, err))
	}
	if len(values) != 6 {
		return models.User{}, Malformed(fmt.Errorf("unpack %s: expected 6 values, got %d", getUserMethod, len(values)))
	}
	rawPoints, ok1 := values[0].(*big.Int)
	code, ok2 := values[1].(string)
	referrer, ok3 := values[2].(string)
	hashes, ok4 := values[3].([]string)
	rawLastClaim, ok5 := values[4].(*big.Int)
	registered, ok6 := values[5].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return models.User{}, Malformed(fmt.Errorf("unpack %s: unexpected value types", getUserMethod))
	}

	points, err := toInt64("points", rawPoints)
	if err != nil {
		return models.User{}, Malformed(err)
	}
	lastClaim, err := toInt64("lastClaim", rawLastClaim)
	if err != nil {
		return models.User{}, Malformed(err)
	}

	user := models.User{
		Address:        address,
		Points:         points,
		ReferralCode:   code,
		MessageHistory: ContractToUserHistory(hashes),
		LastClaim:      lastClaim,
		Registered:     registered,
	}
	if referrer != "" {
		user.Referrer = &referrer
	}
	return user, nil
}

// VerifyTx checks that txHash was mined successfully, targets the contract and
// was sent by address. Unknown or malformed transactions are reported as false.
func (r *EVMReader) VerifyTx(ctx context.Context, address, txHash string) (bool, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(txHash))
	if err != nil || len(raw) != common.HashLength {
		return false, nil
	}
	if !common.IsHexAddress(address) {
		return false, nil
	}
	hash := common.BytesToHash(raw)

	receipt, ok, err := Retry(ctx, r.retry, r.limiter, r.logger, func(ctx context.Context) (*types.Receipt, error) {
		rc, err := r.backend.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, Permanent(err)
		}
		return rc, err
	})
	if err != nil || !ok {
		return false, err
	}
	if receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	tx, ok, err := Retry(ctx, r.retry, r.limiter, r.logger, func(ctx context.Context) (*types.Transaction, error) {
		tx, _, err := r.backend.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, Permanent(err)
		}
		return tx, err
	})
	if err != nil || !ok {
		return false, err
	}
	if tx == nil || tx.To() == nil || *tx.To() != r.contract {
		return false, nil
	}

	chainID, err := r.getChainID(ctx)
	if err != nil {
		return false, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		r.logger.Warn("recover tx sender failed", zap.String("tx", txHash), zap.Error(err))
		return false, nil
	}
	return from == common.HexToAddress(address), nil
}

func (r *EVMReader) getChainID(ctx context.Context) (*big.Int, error) {
	r.chainIDMu.Lock()
	defer r.chainIDMu.Unlock()
	if r.chainID != nil {
		return r.chainID, nil
	}
	id, ok, err := Retry(ctx, r.retry, r.limiter, r.logger, r.backend.ChainID)
	if err != nil {
		return nil, err
	}
	if !ok || id == nil {
		return nil, errors.New("chain id unavailable")
	}
	r.chainID = id
	return id, nil
}

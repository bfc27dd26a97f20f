package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CallMsg is the subset of transaction fields sent to eth_estimateGas.
type CallMsg struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	GasPrice *big.Int
}

// MarshalJSON encodes the message the way nodes expect call arguments.
func (m CallMsg) MarshalJSON() ([]byte, error) {
	arg := map[string]any{
		"from": m.From,
	}
	if m.To != nil {
		arg["to"] = m.To
	}
	if m.Value != nil && m.Value.Sign() > 0 {
		arg["value"] = (*hexutil.Big)(m.Value)
	}
	if len(m.Data) > 0 {
		arg["input"] = hexutil.Bytes(m.Data)
	}
	if m.GasPrice != nil {
		arg["gasPrice"] = (*hexutil.Big)(m.GasPrice)
	}
	return json.Marshal(arg)
}

// Block represents a block with transaction hashes.
type Block struct {
	Number        uint64        `json:"number"`
	Hash          common.Hash   `json:"hash"`
	ParentHash    common.Hash   `json:"parentHash"`
	Transactions  []common.Hash `json:"transactions"`
	BaseFeePerGas *big.Int      `json:"baseFeePerGas,omitempty"`
	GasUsed       uint64        `json:"gasUsed"`
	GasLimit      uint64        `json:"gasLimit"`
	Timestamp     time.Time     `json:"timestamp"`
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TxHash            common.Hash `json:"transactionHash"`
	Status            uint64      `json:"status"` // 1 = success, 0 = failure
	GasUsed           uint64      `json:"gasUsed"`
	BlockNumber       uint64      `json:"blockNumber"`
	EffectiveGasPrice uint64      `json:"effectiveGasPrice"`
}

func decodeQuantity(result json.RawMessage, what string) (uint64, error) {
	var s string
	if err := json.Unmarshal(result, &s); err != nil {
		return 0, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	v, err := hexutil.DecodeUint64(s)
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return v, nil
}

// ChainID returns the chain id reported by eth_chainId.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}
	var id hexutil.Big
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain id: %w", err)
	}
	return id.ToInt(), nil
}

// GetGasPrice returns the current gas price from the node.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "gas price")
}

// GetTransactionCount returns the nonce of address at the given block tag.
// "pending" includes transactions still sitting in the mempool.
func (c *HTTPClient) GetTransactionCount(ctx context.Context, address common.Address, tag string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address, tag})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "nonce")
}

// EstimateGas runs eth_estimateGas for msg.
func (c *HTTPClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	result, err := c.Call(ctx, "eth_estimateGas", []any{msg})
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "gas estimate")
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return decodeQuantity(result, "block number")
}

// GetBlockByHash fetches a block with transaction hashes.
// Returns nil, nil when the node does not know the block.
func (c *HTTPClient) GetBlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	result, err := c.Call(ctx, "eth_getBlockByHash", []any{hash, false})
	if err != nil {
		return nil, err
	}
	if string(result) == "null" {
		return nil, nil
	}
	return parseBlock(result)
}

func parseBlock(data json.RawMessage) (*Block, error) {
	var rawBlock struct {
		Number        string        `json:"number"`
		Hash          common.Hash   `json:"hash"`
		ParentHash    common.Hash   `json:"parentHash"`
		Transactions  []common.Hash `json:"transactions"`
		BaseFeePerGas *hexutil.Big  `json:"baseFeePerGas,omitempty"`
		GasUsed       string        `json:"gasUsed"`
		GasLimit      string        `json:"gasLimit"`
		Timestamp     string        `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &rawBlock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	num, err := hexutil.DecodeUint64(rawBlock.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block number: %w", err)
	}

	gasUsed, _ := hexutil.DecodeUint64(rawBlock.GasUsed)
	gasLimit, _ := hexutil.DecodeUint64(rawBlock.GasLimit)
	timestampUnix, _ := hexutil.DecodeUint64(rawBlock.Timestamp)

	block := &Block{
		Number:       num,
		Hash:         rawBlock.Hash,
		ParentHash:   rawBlock.ParentHash,
		Transactions: rawBlock.Transactions,
		GasUsed:      gasUsed,
		GasLimit:     gasLimit,
		Timestamp:    time.Unix(int64(timestampUnix), 0),
	}
	if rawBlock.BaseFeePerGas != nil {
		block.BaseFeePerGas = rawBlock.BaseFeePerGas.ToInt()
	}
	return block, nil
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	var balance hexutil.Big
	if err := json.Unmarshal(result, &balance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	return balance.ToInt(), nil
}

// GetCode returns the runtime code at address. Empty for accounts without code.
func (c *HTTPClient) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	result, err := c.Call(ctx, "eth_getCode", []any{address, "latest"})
	if err != nil {
		return nil, err
	}
	var code hexutil.Bytes
	if err := json.Unmarshal(result, &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal code: %w", err)
	}
	return code, nil
}

// SendRawTransaction sends a signed transaction and returns the hash the node reports.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	if err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal tx hash: %w", err)
	}
	return hash, nil
}

// GetTransactionReceiptsBatch fetches multiple transaction receipts in a single request.
// Returns receipts in the same order as txHashes. nil entries indicate receipts not found or errors.
func (c *HTTPClient) GetTransactionReceiptsBatch(ctx context.Context, txHashes []common.Hash) ([]*TransactionReceipt, error) {
	if len(txHashes) == 0 {
		return nil, nil
	}

	calls := make([]BatchRequest, len(txHashes))
	for i, hash := range txHashes {
		calls[i] = BatchRequest{
			Method: "eth_getTransactionReceipt",
			Params: []any{hash},
		}
	}

	responses, err := c.BatchCall(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("batch call failed: %w", err)
	}

	receipts := make([]*TransactionReceipt, len(txHashes))
	for i, resp := range responses {
		if resp.Error != nil {
			c.logger.Debug("batch receipt fetch error", "txHash", txHashes[i], "error", resp.Error)
			continue
		}
		if string(resp.Result) == "null" {
			continue
		}
		receipt, err := parseReceipt(resp.Result)
		if err != nil {
			c.logger.Debug("failed to parse receipt", "txHash", txHashes[i], "error", err)
			continue
		}
		receipts[i] = receipt
	}

	return receipts, nil
}

func parseReceipt(data json.RawMessage) (*TransactionReceipt, error) {
	var rawReceipt struct {
		TxHash            common.Hash `json:"transactionHash"`
		Status            string      `json:"status"`
		GasUsed           string      `json:"gasUsed"`
		BlockNumber       string      `json:"blockNumber"`
		EffectiveGasPrice string      `json:"effectiveGasPrice"`
	}
	if err := json.Unmarshal(data, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(rawReceipt.Status)
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)
	effectiveGasPrice, _ := hexutil.DecodeUint64(rawReceipt.EffectiveGasPrice)

	return &TransactionReceipt{
		TxHash:            rawReceipt.TxHash,
		Status:            status,
		GasUsed:           gasUsed,
		BlockNumber:       blockNumber,
		EffectiveGasPrice: effectiveGasPrice,
	}, nil
}

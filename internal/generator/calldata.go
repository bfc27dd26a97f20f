package generator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// store(uint256)
	storageWriteSelector = common.FromHex("0x6057361d")
	// transfer(address,uint256)
	erc20TransferSelector = common.FromHex("0xa9059cbb")
)

// encodeStorageWrite encodes a store(uint256) call.
func encodeStorageWrite(value *big.Int) []byte {
	data := make([]byte, 4+32)
	copy(data[0:4], storageWriteSelector)
	value.FillBytes(data[4:36])
	return data
}

// encodeERC20Transfer encodes a transfer(address,uint256) call.
func encodeERC20Transfer(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 4+32+32)
	copy(data[0:4], erc20TransferSelector)
	copy(data[4+12:4+32], to.Bytes())
	amount.FillBytes(data[4+32 : 4+64])
	return data
}

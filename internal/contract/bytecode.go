package contract

import "github.com/ethereum/go-ethereum/common"

// Names of the contracts a plan can reference as "@name".
const (
	ERC20   = "erc20"
	Storage = "storage"
)

// erc20Bytecode is a minimal token whose transfer uses unchecked arithmetic,
// so spam transfers from unfunded senders never revert.
//
//	transfer(address,uint256)              = 0xa9059cbb
//	approve(address,uint256)               = 0x095ea7b3
//	transferFrom(address,address,uint256)  = 0x23b872dd
//	balanceOf(address)                     = 0x70a08231
var erc20Bytecode = common.FromHex("608060405234801561000f575f80fd5b507fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff60028190555061073c806100445f395ff3fe608060405234801561000f575f80fd5b5060043610610060575f3560e01c8063095ea7b31461006457806318160ddd1461009457806323b872dd146100b257806370a08231146100e2578063a9059cbb14610112578063dd62ed3e14610142575b5f80fd5b61007e600480360381019061007991906105b4565b610172565b60405161008b919061060c565b60405180910390f35b61009c61025f565b6040516100a99190610634565b60405180910390f35b6100cc60048036038101906100c7919061064d565b610265565b6040516100d9919061060c565b60405180910390f35b6100fc60048036038101906100f7919061069d565b6103ed565b6040516101099190610634565b60405180910390f35b61012c600480360381019061012791906105b4565b610401565b604051610139919061060c565b60405180910390f35b61015c600480360381019061015791906106c8565b610503565b6040516101699190610634565b60405180910390f35b5f8160015f3373ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f8573ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f20819055508273ffffffffffffffffffffffffffffffffffffffff163373ffffffffffffffffffffffffffffffffffffffff167f8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b9258460405161024d9190610634565b60405180910390a36001905092915050565b60025481565b5f8160015f8673ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f3373ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f8282540392505081905550815f808673ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f8282540392505081905550815f808573ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f82825401925050819055508273ffffffffffffffffffffffffffffffffffffffff168473ffffffffffffffffffffffffffffffffffffffff167fddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef846040516103da9190610634565b60405180910390a3600190509392505050565b5f602052805f5260405f205f915090505481565b5f815f803373ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f8282540392505081905550815f808573ffffffffffffffffffffffffffffffffffffffff1673ffffffffffffffffffffffffffffffffffffffff1681526020019081526020015f205f82825401925050819055508273ffffffffffffffffffffffffffffffffffffffff163373ffffffffffffffffffffffffffffffffffffffff167fddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef846040516104f19190610634565b60405180910390a36001905092915050565b6001602052815f5260405f20602052805f5260405f205f91509150505481565b5f80fd5b5f73ffffffffffffffffffffffffffffffffffffffff82169050919050565b5f61055082610527565b9050919050565b61056081610546565b811461056a575f80fd5b50565b5f8135905061057b81610557565b92915050565b5f819050919050565b61059381610581565b811461059d575f80fd5b50565b5f813590506105ae8161058a565b92915050565b5f80604083850312156105ca576105c9610523565b5b5f6105d78582860161056d565b92505060206105e8858286016105a0565b9150509250929050565b5f8115159050919050565b610606816105f2565b82525050565b5f60208201905061061f5f8301846105fd565b92915050565b61062e81610581565b82525050565b5f6020820190506106475f830184610625565b92915050565b5f805f6060848603121561066457610663610523565b5b5f6106718682870161056d565b93505060206106828682870161056d565b9250506040610693868287016105a0565b9150509250925092565b5f602082840312156106b2576106b1610523565b5b5f6106bf8482850161056d565b91505092915050565b5f80604083850312156106de576106dd610523565b5b5f6106eb8582860161056d565b92505060206106fc8582860161056d565b915050925092905056fea26469706673582212203bf5cd39aee51811d687054a175115ba0eb43348972e4375ad2d0b659a764d4564736f6c63430008140033")

// storageBytecode appends to a counter-indexed mapping on store(uint256)
// (0x6057361d), one fresh slot per call.
var storageBytecode = common.FromHex("0x608060405234801561000f575f80fd5b506101db8061001d5f395ff3fe608060405234801561000f575f80fd5b506004361061004a575f3560e01c80635e383d211461004e5780636057361d1461007f57806361bc221a14610094578063a329e8de1461009c575b5f80fd5b61006d61005c36600461016a565b60016020525f908152604090205481565b60405190815260200160405180910390f35b61009261008d36600461016a565b6100af565b005b61006d5f5481565b6100926100aa36600461016a565b6100d5565b5f80548152600160205260408120829055805490806100cd83610181565b919050555050565b5f816040516020016100e991815260200190565b6040516020818303038152906040528051906020012090505f5b8281101561014257604080516020810184905201604051602081830303815290604052805190602001209150808061013a90610181565b915050610103565b505f805481526001602052604081208290558054908061016183610181565b91905055505050565b5f6020828403121561017a575f80fd5b5035919050565b5f6001820161019e57634e487b7160e01b5f52601160045260245ffd5b506001019056fea26469706673582212206182d890991e9bbd7a6af9c355812723ee8e626b7af95fbebe78a89baa5632e464736f6c63430008140033")

var known = map[string][]byte{
	ERC20:   erc20Bytecode,
	Storage: storageBytecode,
}

// Bytecode returns the creation code for a known contract name.
func Bytecode(name string) ([]byte, bool) {
	code, ok := known[name]
	return code, ok
}

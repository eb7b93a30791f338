package registry

import "github.com/ethereum/go-ethereum/common"

// Uniswap SwapRouter02 deployments.
var uniswapRouterByChainID = map[int64]string{
	1:     "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45",
	10:    "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45",
	137:   "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45",
	8453:  "0x2626664c2603336E57B271c5C0b26F421741e481",
	42161: "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45",
	56:    "0xB971eF87ede563556b2ED4b1C0b0019111Dd85d2",
	43114: "0xbb00FF08d01D300023C629E8fFfFcb65A5a578cE",
}

func UniswapRouter(chainID int64) (common.Address, bool) {
	value, ok := uniswapRouterByChainID[chainID]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

// Uniswap QuoterV2 deployments.
var uniswapQuoterByChainID = map[int64]string{
	1:     "0x61fFE014bA17989E743c5F6cB21bF9697530B21e",
	10:    "0x61fFE014bA17989E743c5F6cB21bF9697530B21e",
	137:   "0x61fFE014bA17989E743c5F6cB21bF9697530B21e",
	8453:  "0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a",
	42161: "0x61fFE014bA17989E743c5F6cB21bF9697530B21e",
	56:    "0x78D78E420Da98ad378D7799bE8f4AF69033EB077",
	43114: "0xbe0F5544EC67e9B3b2D979aaA43f18Fd87E6257F",
}

func UniswapQuoter(chainID int64) (common.Address, bool) {
	value, ok := uniswapQuoterByChainID[chainID]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

// UniswapFeeTiers are tried in order when a route has no liquidity.
var UniswapFeeTiers = []uint32{3000, 500, 10000}

// Aave V3 Pool proxies.
var aavePoolByChainID = map[int64]string{
	1:     "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2",
	10:    "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
	137:   "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
	8453:  "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5",
	42161: "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
	43114: "0x794a61358D6845594F94dc1DB02A252b5b4814aD",
}

func AavePool(chainID int64) (common.Address, bool) {
	value, ok := aavePoolByChainID[chainID]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

// Across SpokePool deployments.
var acrossSpokePoolByChainID = map[int64]string{
	1:     "0x5c7BCd6E7De5423a257D81B442095A1a6ced35C5",
	10:    "0x6f26Bf09B1C792e3228e5467807a900A503c0281",
	137:   "0x9295ee1d8C5b022Be115A2AD3c30C72E34e7F096",
	8453:  "0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64",
	42161: "0xe35e9842fceaCA96570B734083f4a58e8F7C5f2A",
	59144: "0x7E63A5f1a8F0B4d0934B2f2327DAED3F6bb2ee75",
	81457: "0x2D509190Ed0172ba588407D4c2df918F955Cc6E1",
}

func AcrossSpokePool(chainID int64) (common.Address, bool) {
	value, ok := acrossSpokePoolByChainID[chainID]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}

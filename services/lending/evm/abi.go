package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const srubABIJSON = `[
 {"type":"function","name":"COLLATERALIZATION_RATIO","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"LIQUIDATION_THRESHOLD","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"LIQUIDATION_PENALTY","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"MAX_COLLATERAL_TOKENS","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getTotalCollateralValue","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getPositionHealth","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getUserCollaterals","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
 {"type":"function","name":"getUserCollateralAmount","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"collateral","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"getUserDebt","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"previewDecrease","stateMutability":"view","inputs":[{"name":"collateral","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"canWithdraw","type":"bool"},{"name":"sRUBToBurn","type":"uint256"}]},
 {"type":"function","name":"depositCollateral","stateMutability":"nonpayable","inputs":[{"name":"collateral","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"decreasePosition","stateMutability":"nonpayable","inputs":[{"name":"collateral","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"increasePosition","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const erc20ABIJSON = `[
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const multicallABIJSON = `[
 {"type":"function","name":"aggregate3","stateMutability":"payable",
  "inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"allowFailure","type":"bool"},{"name":"callData","type":"bytes"}]}],
  "outputs":[{"name":"returnData","type":"tuple[]","components":[{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

const bondOracleABIJSON = `[
 {"type":"function","name":"getPriceFeeds","stateMutability":"view",
  "inputs":[{"name":"_feeds","type":"address[]"}],
  "outputs":[{"name":"","type":"tuple[]","components":[{"name":"lastPrice","type":"uint160"},{"name":"lastUpdated","type":"uint40"},{"name":"maturityAt","type":"uint40"}]}]}
]`

const bondFactoryABIJSON = `[
 {"type":"event","name":"BondCreated","anonymous":false,
  "inputs":[{"name":"bondToken","type":"address","indexed":true},{"name":"name","type":"string","indexed":false},{"name":"initialPrice","type":"uint160","indexed":false},{"name":"maturityPrice","type":"uint160","indexed":false},{"name":"maturityAt","type":"uint40","indexed":false}]}
]`

// Parsed contract ABIs.
var (
	SRUBABI        = mustParseABI(srubABIJSON)
	ERC20ABI       = mustParseABI(erc20ABIJSON)
	MulticallABI   = mustParseABI(multicallABIJSON)
	BondOracleABI  = mustParseABI(bondOracleABIJSON)
	BondFactoryABI = mustParseABI(bondFactoryABIJSON)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic("evm: invalid ABI: " + err.Error())
	}
	return parsed
}

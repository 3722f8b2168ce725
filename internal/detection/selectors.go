package detection

import (
	"bytes"

	"github.com/ethereum/go-ethereum/crypto"
)

// Function signatures of flash-loan entry points on common lending venues.
var flashLoanSignatures = []string{
	"flashLoan(address,address[],uint256[],uint256[],address,bytes,uint16)", // Aave v2/v3 pool
	"flashLoanSimple(address,address,uint256,bytes,uint16)",                 // Aave v3 pool
	"flashLoan(address,address[],uint256[],bytes)",                          // Balancer vault
	"flashLoan(address,address,uint256,bytes)",                              // ERC-3156 lender
	"flash(address,uint256,uint256,bytes)",                                  // Uniswap v3 pool
	"operate((address,uint256)[],(uint8,uint256,(bool,uint8,uint8,uint256),uint256,uint256,address,uint256,bytes)[])", // dYdX solo margin
}

// Function signatures of DEX swap entry points.
var swapSignatures = []string{
	"swapExactTokensForTokens(uint256,uint256,address[],address,uint256)",
	"swapTokensForExactTokens(uint256,uint256,address[],address,uint256)",
	"swapExactETHForTokens(uint256,address[],address,uint256)",
	"swapTokensForExactETH(uint256,uint256,address[],address,uint256)",
	"swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
	"swapETHForExactTokens(uint256,address[],address,uint256)",
	"swapExactTokensForTokensSupportingFeeOnTransferTokens(uint256,uint256,address[],address,uint256)",
	"exactInputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))",
	"exactInput((bytes,address,uint256,uint256,uint256))",
	"exactOutputSingle((address,address,uint24,address,uint256,uint256,uint256,uint160))",
	"exactOutput((bytes,address,uint256,uint256,uint256))",
	"swap(uint256,uint256,address,bytes)",
	"execute(bytes,bytes[],uint256)", // Uniswap universal router
}

var (
	flashLoanSelectors = selectorsOf(flashLoanSignatures)
	swapSelectors      = selectorsOf(swapSignatures)
)

// Selector returns the 4-byte method id of a canonical function signature.
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func selectorsOf(signatures []string) [][]byte {
	out := make([][]byte, 0, len(signatures))
	for _, sig := range signatures {
		out = append(out, Selector(sig))
	}
	return out
}

func matchesSelector(input []byte, selectors [][]byte) bool {
	if len(input) < 4 {
		return false
	}
	for _, sel := range selectors {
		if bytes.Equal(input[:4], sel) {
			return true
		}
	}
	return false
}

// IsFlashLoanCall reports whether calldata targets a known flash-loan entry point.
func IsFlashLoanCall(input []byte) bool {
	return matchesSelector(input, flashLoanSelectors)
}

// IsSwapCall reports whether calldata targets a known swap entry point.
func IsSwapCall(input []byte) bool {
	return matchesSelector(input, swapSelectors)
}

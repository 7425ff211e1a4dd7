package registry

const (
	// ERC20MinimalABI covers the allowance read and the approve write used by
	// approval steps.
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
	]`

	// RevertErrorABI decodes the standard Error(string) revert payload.
	RevertErrorABI = `[
		{"name":"Error","type":"error","inputs":[{"name":"message","type":"string"}]}
	]`
)

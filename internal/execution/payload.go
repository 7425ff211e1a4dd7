package execution

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
)

// approval converts an approve_token payload into a signer request. An empty
// amount approves the maximum.
func (p Payload) approval(chainID int64) (signer.Approval, error) {
	if !common.IsHexAddress(p.Token) {
		return signer.Approval{}, fmt.Errorf("invalid token address %q", p.Token)
	}
	if !common.IsHexAddress(p.Spender) {
		return signer.Approval{}, fmt.Errorf("invalid spender address %q", p.Spender)
	}
	req := signer.Approval{
		ChainID: chainID,
		Token:   common.HexToAddress(p.Token),
		Spender: common.HexToAddress(p.Spender),
	}
	if strings.TrimSpace(p.Amount) != "" {
		amount, err := parseUint(p.Amount)
		if err != nil {
			return signer.Approval{}, fmt.Errorf("invalid approval amount: %w", err)
		}
		req.Amount = amount
	}
	return req, nil
}

// call converts an execute payload into a signer request.
func (p Payload) call(chainID int64) (signer.Call, error) {
	if !common.IsHexAddress(p.Target) {
		return signer.Call{}, fmt.Errorf("invalid target address %q", p.Target)
	}
	data, err := decodeHex(p.Data)
	if err != nil {
		return signer.Call{}, err
	}
	value := new(big.Int)
	if strings.TrimSpace(p.Value) != "" {
		value, err = parseUint(p.Value)
		if err != nil {
			return signer.Call{}, fmt.Errorf("invalid value: %w", err)
		}
	}
	return signer.Call{ChainID: chainID, To: common.HexToAddress(p.Target), Data: data, Value: value}, nil
}

func parseUint(v string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative base-10 integer", v)
	}
	return out, nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

package simulate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/registry"
)

var (
	revertABI            = mustABI(registry.RevertErrorABI)
	errorStringSelector  = revertABI.Errors["Error"].ID.Bytes()[:4]
	panicSelector        = common.FromHex("0x4e487b71")
	executionRevertedMsg = "execution reverted"
)

// decodeRevertData turns revert return data into a readable reason. Unknown
// custom errors are reported by selector.
func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	selector := data[:4]
	switch {
	case string(selector) == string(errorStringSelector):
		values, err := revertABI.Errors["Error"].Inputs.Unpack(data[4:])
		if err == nil && len(values) == 1 {
			if reason, ok := values[0].(string); ok {
				return reason
			}
		}
	case string(selector) == string(panicSelector):
		return fmt.Sprintf("panic 0x%x", data[4:])
	}
	return fmt.Sprintf("custom error %s", hexutil.Encode(selector))
}

// decodeRevertFromError extracts revert data carried by an RPC error.
func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	var raw []byte
	switch v := dataErr.ErrorData().(type) {
	case string:
		buf, decodeErr := hexutil.Decode(strings.TrimSpace(v))
		if decodeErr != nil {
			return ""
		}
		raw = buf
	case []byte:
		raw = v
	default:
		return ""
	}
	return decodeRevertData(raw)
}

// isRevert reports whether err is the node rejecting the call as reverted,
// as opposed to the node being unreachable.
func isRevert(err error) bool {
	if decodeRevertFromError(err) != "" {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), executionRevertedMsg)
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

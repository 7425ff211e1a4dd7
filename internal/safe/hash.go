package safe

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OperationCall is the only operation proposals use; delegatecalls are never
// built by the orchestrator.
const OperationCall uint8 = 0

var (
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypeHash = crypto.Keccak256Hash([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// Transaction is a Safe multisig transaction before signing.
type Transaction struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

// NewCall returns a zero-refund call transaction at nonce.
func NewCall(to common.Address, value *big.Int, data []byte, nonce uint64) Transaction {
	if value == nil {
		value = new(big.Int)
	}
	return Transaction{
		To:        to,
		Value:     value,
		Data:      data,
		Operation: OperationCall,
		SafeTxGas: new(big.Int),
		BaseGas:   new(big.Int),
		GasPrice:  new(big.Int),
		Nonce:     nonce,
	}
}

// TxHash computes the EIP-712 SafeTx hash that owners sign and the
// transaction service indexes proposals by.
func TxHash(chainID int64, safeAddress common.Address, tx Transaction) common.Hash {
	domain := crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		word(big.NewInt(chainID)),
		common.LeftPadBytes(safeAddress.Bytes(), 32),
	)
	structHash := crypto.Keccak256Hash(
		safeTxTypeHash.Bytes(),
		common.LeftPadBytes(tx.To.Bytes(), 32),
		word(tx.Value),
		crypto.Keccak256(tx.Data),
		word(new(big.Int).SetUint64(uint64(tx.Operation))),
		word(tx.SafeTxGas),
		word(tx.BaseGas),
		word(tx.GasPrice),
		common.LeftPadBytes(tx.GasToken.Bytes(), 32),
		common.LeftPadBytes(tx.RefundReceiver.Bytes(), 32),
		word(new(big.Int).SetUint64(tx.Nonce)),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domain.Bytes(), structHash.Bytes())
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

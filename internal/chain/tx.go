package chain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
)

// Instruction type discriminators understood by the token program.
const (
	InstructionTransfer        = "transfer"
	InstructionTransferChecked = "transferChecked"
	InstructionCreateAccount   = "createAccount"
	InstructionInitializeMint  = "initializeMint"
	InstructionMintTo          = "mintTo"
)

// TransferInstruction is one instruction inside a transaction. All
// token movements the bridge cares about are expressed with it;
// provisioning reuses the envelope for mint setup.
type TransferInstruction struct {
	Program     string  `json:"program"`
	Type        string  `json:"type"`
	Source      Address `json:"source,omitempty"`
	Destination Address `json:"destination,omitempty"`
	Mint        Address `json:"mint,omitempty"`
	Authority   Address `json:"authority,omitempty"`
	Amount      uint64  `json:"amount,string,omitempty"`
	Decimals    int     `json:"decimals,omitempty"`
}

// TxSignature pairs a signer address with its signature over the
// transaction message.
type TxSignature struct {
	Address   Address   `json:"address"`
	Signature Signature `json:"signature"`
}

// Transaction is the wire envelope submitted to the ledger. An intent
// is serialized unsigned for the client wallet to sign; withdrawals
// are signed locally by the custodian.
type Transaction struct {
	FeePayer        Address               `json:"feePayer"`
	RecentBlockhash string                `json:"recentBlockhash"`
	Instructions    []TransferInstruction `json:"instructions"`
	Signatures      []TxSignature         `json:"signatures,omitempty"`
}

// Message returns the canonical signing payload: the transaction
// without its signatures.
func (t *Transaction) Message() ([]byte, error) {
	unsigned := Transaction{
		FeePayer:        t.FeePayer,
		RecentBlockhash: t.RecentBlockhash,
		Instructions:    t.Instructions,
	}
	msg, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("marshal tx message: %w", err)
	}
	return msg, nil
}

// Sign appends kp's signature over the transaction message.
func (t *Transaction) Sign(kp *Keypair) error {
	msg, err := t.Message()
	if err != nil {
		return err
	}
	t.Signatures = append(t.Signatures, TxSignature{
		Address:   kp.Address(),
		Signature: kp.Sign(msg),
	})
	return nil
}

// ID returns the transaction id: the fee payer's signature. Empty
// until the fee payer has signed.
func (t *Transaction) ID() Signature {
	for _, s := range t.Signatures {
		if s.Address == t.FeePayer {
			return s.Signature
		}
	}
	if len(t.Signatures) > 0 {
		return t.Signatures[0].Signature
	}
	return ""
}

// EncodeBase64 serializes the transaction for transport. Unsigned
// transactions are valid here; that is how deposit intents travel to
// the wallet.
func (t *Transaction) EncodeBase64() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal tx: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction parses a base64 transaction envelope.
func DecodeTransaction(b64 string) (*Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode tx base64: %w", err)
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal tx: %w", err)
	}
	return &tx, nil
}

// RawAmount scales a UI token amount by the mint's decimal precision.
// Amounts whose raw form does not fit uint64 are an error: submitting
// a wrapped value would move the wrong amount on the ledger.
func RawAmount(amountUi int64, decimals int) (uint64, error) {
	if amountUi < 0 {
		return 0, fmt.Errorf("negative amount %d", amountUi)
	}
	raw := uint64(amountUi)
	for i := 0; i < decimals; i++ {
		if raw > math.MaxUint64/10 {
			return 0, fmt.Errorf("amount %d overflows at %d decimals", amountUi, decimals)
		}
		raw *= 10
	}
	return raw, nil
}

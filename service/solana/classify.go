package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/brojonat/gatewatch/service/ledger"
	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// ComputeBudgetProgramID sets compute-unit limits and prices.
	ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

	// MemoProgramID is the SPL Memo program.
	MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

const (
	systemTransferInstruction        = uint32(2)
	computeBudgetSetUnitPriceOpcode  = uint8(3)
	computeBudgetSetUnitPriceDataLen = 9
)

// jitoTipAccounts are the mainnet tip payment accounts published by Jito Labs.
var jitoTipAccounts = []string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49",
	"DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKc5wPdSSdeBnizKZ6jT5",
}

// TipAccounts maps relay tip accounts to the delivery method that owns them.
type TipAccounts map[solana.PublicKey]ledger.DeliveryMethod

// DefaultTipAccounts returns the Jito tip account table.
func DefaultTipAccounts() TipAccounts {
	out := make(TipAccounts, len(jitoTipAccounts))
	for _, addr := range jitoTipAccounts {
		out[solana.MustPublicKeyFromBase58(addr)] = ledger.DeliveryJito
	}
	return out
}

// Add registers extra tip accounts for a delivery method.
func (t TipAccounts) Add(method ledger.DeliveryMethod, accounts ...solana.PublicKey) {
	for _, a := range accounts {
		t[a] = method
	}
}

// Classify derives delivery method, cost and outcome from a fetched transaction.
//
// A System Program transfer to a known tip account marks the transaction as
// delivered by that account's relay; without one it went through plain RPC.
// Cost is the network fee plus any tip. A transaction carrying only signature
// metadata classifies as unknown with zero cost.
func Classify(tx *Transaction, tips TipAccounts) (*Classification, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrMalformedRecord)
	}
	sig, err := solana.SignatureFromBase58(tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature %q: %v", ErrMalformedRecord, tx.Signature, err)
	}
	if sig == (solana.Signature{}) {
		return nil, fmt.Errorf("%w: zero signature", ErrMalformedRecord)
	}

	out := &Classification{
		Signature:      tx.Signature,
		Slot:           tx.Slot,
		BlockTime:      tx.BlockTime,
		DeliveryMethod: ledger.DeliveryUnknown,
		Success:        tx.Err == nil,
		Error:          tx.Err,
	}

	if tx.Result == nil {
		if out.BlockTime.IsZero() {
			return nil, fmt.Errorf("%w: %s has no block time", ErrMalformedRecord, tx.Signature)
		}
		return out, nil
	}

	result := tx.Result
	if result.Meta == nil {
		return nil, fmt.Errorf("%w: %s has no meta", ErrMalformedRecord, tx.Signature)
	}
	if result.Transaction == nil {
		return nil, fmt.Errorf("%w: %s has no transaction body", ErrMalformedRecord, tx.Signature)
	}
	decoded, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedRecord, tx.Signature, err)
	}
	if decoded == nil {
		return nil, fmt.Errorf("%w: %s decoded to nothing", ErrMalformedRecord, tx.Signature)
	}

	if result.Slot != 0 {
		out.Slot = result.Slot
	}
	if result.BlockTime != nil {
		out.BlockTime = result.BlockTime.Time().UTC()
	}
	if out.BlockTime.IsZero() {
		return nil, fmt.Errorf("%w: %s has no block time", ErrMalformedRecord, tx.Signature)
	}

	out.FeeLamports = result.Meta.Fee
	out.Success = result.Meta.Err == nil
	if result.Meta.Err != nil {
		msg := fmt.Sprintf("transaction failed: %v", result.Meta.Err)
		out.Error = &msg
	} else {
		out.Error = nil
	}

	keys := make([]solana.PublicKey, 0, len(decoded.Message.AccountKeys))
	keys = append(keys, decoded.Message.AccountKeys...)
	keys = append(keys, result.Meta.LoadedAddresses.Writable...)
	keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)

	if len(keys) > 0 {
		payer := keys[0].String()
		out.FeePayer = &payer
	}

	method := ledger.DeliveryRPC
	for _, ix := range decoded.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("%w: %s program index %d out of range", ErrMalformedRecord, tx.Signature, ix.ProgramIDIndex)
		}
		program := keys[ix.ProgramIDIndex]

		switch {
		case program.Equals(solana.SystemProgramID):
			dest, lamports, ok := parseSystemTransfer(ix, keys)
			if !ok {
				continue
			}
			if relay, isTip := tips[dest]; isTip {
				out.TipLamports += lamports
				if method == ledger.DeliveryRPC {
					method = relay
				}
			}
		case program.Equals(ComputeBudgetProgramID):
			if price, ok := parseComputeUnitPrice(ix.Data); ok {
				out.ComputeUnitPrice = &price
			}
		}
	}

	out.DeliveryMethod = method
	out.CostLamports = out.FeeLamports + out.TipLamports
	return out, nil
}

// parseSystemTransfer returns the destination and amount of a System Program
// Transfer instruction. Layout: u32 instruction type, u64 lamports; accounts [from, to].
func parseSystemTransfer(ix solana.CompiledInstruction, keys []solana.PublicKey) (solana.PublicKey, uint64, bool) {
	if len(ix.Data) < 12 || len(ix.Accounts) < 2 {
		return solana.PublicKey{}, 0, false
	}
	if binary.LittleEndian.Uint32(ix.Data[0:4]) != systemTransferInstruction {
		return solana.PublicKey{}, 0, false
	}
	toIdx := int(ix.Accounts[1])
	if toIdx >= len(keys) {
		return solana.PublicKey{}, 0, false
	}
	return keys[toIdx], binary.LittleEndian.Uint64(ix.Data[4:12]), true
}

// parseComputeUnitPrice decodes a SetComputeUnitPrice instruction (opcode byte + u64).
func parseComputeUnitPrice(data []byte) (uint64, bool) {
	if len(data) != computeBudgetSetUnitPriceDataLen || data[0] != computeBudgetSetUnitPriceOpcode {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data[1:]), true
}

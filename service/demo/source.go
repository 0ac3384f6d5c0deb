package demo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/brojonat/gatewatch/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// TransactionSource produces the base64-encoded transactions a run submits.
type TransactionSource interface {
	Next(ctx context.Context) (string, error)
}

// BlockhashSource returns a recent blockhash. *solana.Client satisfies it.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (solanago.Hash, error)
}

// MemoSource builds unsigned memo transactions paid for by a configured
// account. Signature slots are left zeroed for the Gateway to fill; no key
// material is held here.
type MemoSource struct {
	payer       solanago.PublicKey
	blockhashes BlockhashSource
	seq         atomic.Uint64
}

// NewMemoSource creates a source whose transactions are paid for by payer.
func NewMemoSource(payer string, bh BlockhashSource) (*MemoSource, error) {
	if payer == "" {
		return nil, errors.New("demo payer address is required")
	}
	pk, err := solanago.PublicKeyFromBase58(payer)
	if err != nil {
		return nil, fmt.Errorf("invalid demo payer address: %w", err)
	}
	if pk == (solanago.PublicKey{}) {
		return nil, errors.New("demo payer address cannot be the zero key")
	}
	return &MemoSource{payer: pk, blockhashes: bh}, nil
}

// Next builds one memo transaction against the latest blockhash.
func (s *MemoSource) Next(ctx context.Context) (string, error) {
	hash, err := s.blockhashes.LatestBlockhash(ctx)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}

	n := s.seq.Add(1)
	memo := fmt.Sprintf("gatewatch demo %d %s", n, uuid.NewString())
	ix := solanago.NewInstruction(
		solana.MemoProgramID,
		solanago.AccountMetaSlice{{PublicKey: s.payer, IsSigner: true, IsWritable: true}},
		[]byte(memo),
	)

	tx, err := solanago.NewTransaction([]solanago.Instruction{ix}, hash, solanago.TransactionPayer(s.payer))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

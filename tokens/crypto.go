//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package tokens

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/signalapp/surveytokens/db"
	"github.com/signalapp/surveytokens/tree/merkle"
)

// batchTbs is the to-be-signed commitment of a batch.
type batchTbs struct {
	BatchID   string
	SurveyID  string
	Size      uint32
	CreatedAt int64
	Root      merkle.Hash
}

func newBatchTbs(batch *db.Batch) (*batchTbs, error) {
	root, err := merkle.ParseHash(batch.MerkleRoot)
	if err != nil {
		return nil, err
	} else if batch.Size < 0 || batch.Size > MaxBatchSize {
		return nil, ErrInvalidSize
	}
	return &batchTbs{
		BatchID:   batch.ID,
		SurveyID:  batch.SurveyID,
		Size:      uint32(batch.Size),
		CreatedAt: batch.CreatedAt.UnixMilli(),
		Root:      root,
	}, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) >= 1<<16 {
		return errors.New("identifier is too long to be encoded")
	}
	binary.Write(buf, binary.BigEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

// Marshal a batchTbs structure with the signer's public key.
func (tbs *batchTbs) Marshal(sigKey ed25519.PublicKey) ([]byte, error) {
	buf := &bytes.Buffer{}

	buf.Write([]byte{0x00, 0x01}) // Version

	if len(sigKey) >= 1<<16 {
		return nil, errors.New("signature key is too long to be encoded")
	}
	binary.Write(buf, binary.BigEndian, uint16(len(sigKey)))
	buf.Write(sigKey)

	if err := writeString(buf, tbs.BatchID); err != nil {
		return nil, err
	} else if err := writeString(buf, tbs.SurveyID); err != nil {
		return nil, err
	}
	binary.Write(buf, binary.BigEndian, tbs.Size)
	binary.Write(buf, binary.BigEndian, tbs.CreatedAt)
	buf.Write(tbs.Root[:])

	return buf.Bytes(), nil
}

// signBatch returns the signature over the batch's commitment.
func signBatch(sigKey ed25519.PrivateKey, batch *db.Batch) ([]byte, error) {
	tbs, err := newBatchTbs(batch)
	if err != nil {
		return nil, err
	}
	raw, err := tbs.Marshal(sigKey.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return sigKey.Sign(nil, raw, crypto.Hash(0))
}

// VerifyBatchSignature checks that the batch's root, size and identity were
// signed by the holder of the private key for pub.
func VerifyBatchSignature(pub ed25519.PublicKey, batch *db.Batch) error {
	if len(pub) != ed25519.PublicKeySize {
		return errors.New("public key is wrong length")
	}
	tbs, err := newBatchTbs(batch)
	if err != nil {
		return err
	}
	raw, err := tbs.Marshal(pub)
	if err != nil {
		return err
	} else if !ed25519.Verify(pub, raw, batch.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

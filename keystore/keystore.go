// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package keystore manages the wallet's master seed and the
// hierarchically derived keys that address every slice and endpoint.
// Derivation follows BIP-44: m/44'/3909'/account'/0/position, where the
// account index is the wallet endpoint's row id.
package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

const (
	purposeBIP44 = bip32.FirstHardenedChild + 44
	coinType     = bip32.FirstHardenedChild + 3909

	// changeExternal is the only change branch the wallet uses
	changeExternal = uint32(0)

	mnemonicFileName = "wallet.mnemonic"
)

// Common errors returned by KeyStore operations
var (
	ErrKeyNotDerivable  = errors.New("key not derivable")
	ErrInsecureFileMode = errors.New("insecure mnemonic file permissions")
)

// KeyStore holds the wallet master key and derives child signing keys
type KeyStore struct {
	logger    *slog.Logger
	masterKey *bip32.Key
}

// New creates a KeyStore from an existing BIP-39 mnemonic
func New(logger *slog.Logger, mnemonic string) (*KeyStore, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &KeyStore{
		logger:    logger,
		masterKey: masterKey,
	}, nil
}

// LoadOrCreate loads the wallet mnemonic from the data directory,
// generating and persisting a fresh one on first start. An empty data
// directory produces an ephemeral keystore, useful for testing.
func LoadOrCreate(logger *slog.Logger, dataDir string) (*KeyStore, error) {
	if dataDir == "" {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		return New(logger, mnemonic)
	}
	mnemonicPath := filepath.Join(dataDir, mnemonicFileName)
	data, err := os.ReadFile(mnemonicPath)
	if err == nil {
		fileInfo, err := os.Stat(mnemonicPath)
		if err != nil {
			return nil, err
		}
		if fileInfo.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf(
				"%w: %s has mode %s",
				ErrInsecureFileMode,
				mnemonicPath,
				fileInfo.Mode().Perm(),
			)
		}
		return New(logger, strings.TrimSpace(string(data)))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
		return nil, err
	}
	if err := os.WriteFile(mnemonicPath, []byte(mnemonic+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist mnemonic: %w", err)
	}
	if logger != nil {
		logger.Info(
			"generated new wallet mnemonic",
			"component", "keystore",
			"path", mnemonicPath,
		)
	}
	return New(logger, mnemonic)
}

// accountKey derives the hardened account key for a wallet endpoint
func (k *KeyStore) accountKey(account uint32) (*bip32.Key, error) {
	key := k.masterKey
	for _, index := range []uint32{
		purposeBIP44,
		coinType,
		bip32.FirstHardenedChild + account,
	} {
		child, err := key.NewChildKey(index)
		if err != nil {
			return nil, fmt.Errorf("%w: account %d: %w", ErrKeyNotDerivable, account, err)
		}
		key = child
	}
	return key, nil
}

// AccountPublicKey returns the serialized extended public key for an
// account, suitable for publishing to sending wallets
func (k *KeyStore) AccountPublicKey(account uint32) ([]byte, error) {
	accountKey, err := k.accountKey(account)
	if err != nil {
		return nil, err
	}
	return accountKey.PublicKey().Serialize()
}

// positionKey derives the private key at a position under an account
func (k *KeyStore) positionKey(
	account uint32,
	position uint32,
) (*bip32.Key, error) {
	accountKey, err := k.accountKey(account)
	if err != nil {
		return nil, err
	}
	changeKey, err := accountKey.NewChildKey(changeExternal)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotDerivable, err)
	}
	positionKey, err := changeKey.NewChildKey(position)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: account %d position %d: %w",
			ErrKeyNotDerivable,
			account,
			position,
			err,
		)
	}
	return positionKey, nil
}

// Signer returns the secp256k1 private key addressing the given account
// and derivation position
func (k *KeyStore) Signer(
	account uint32,
	position uint32,
) (*secp256k1.PrivateKey, error) {
	positionKey, err := k.positionKey(account, position)
	if err != nil {
		return nil, err
	}
	raw := positionKey.Key
	// bip32 private keys carry a leading 0x00 pad byte
	if len(raw) == 33 && raw[0] == 0 {
		raw = raw[1:]
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// PublicKey returns the compressed public key addressing the given
// account and derivation position
func (k *KeyStore) PublicKey(
	account uint32,
	position uint32,
) ([]byte, error) {
	signer, err := k.Signer(account, position)
	if err != nil {
		return nil, err
	}
	return signer.PubKey().SerializeCompressed(), nil
}

// Sign produces a Schnorr signature over the message with the key at the
// given account and position
func (k *KeyStore) Sign(
	account uint32,
	position uint32,
	message []byte,
) ([]byte, error) {
	signer, err := k.Signer(account, position)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(message)
	sig, err := schnorr.Sign(signer, digest[:])
	if err != nil {
		return nil, fmt.Errorf("schnorr sign: %w", err)
	}
	return sig.Serialize(), nil
}

// VerifySignature checks a Schnorr signature over the message against a
// compressed public key
func VerifySignature(
	publicKey []byte,
	message []byte,
	signature []byte,
) bool {
	pubKey, err := secp256k1.ParsePubKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return sig.Verify(digest[:], pubKey)
}

// DeriveExternal derives the compressed public key at a position under a
// receiving wallet's published extended public key
func DeriveExternal(
	serializedPublicKey []byte,
	position uint32,
) ([]byte, error) {
	accountKey, err := bip32.Deserialize(serializedPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotDerivable, err)
	}
	changeKey, err := accountKey.NewChildKey(changeExternal)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotDerivable, err)
	}
	positionKey, err := changeKey.NewChildKey(position)
	if err != nil {
		return nil, fmt.Errorf("%w: position %d: %w", ErrKeyNotDerivable, position, err)
	}
	return positionKey.PublicKey().Key, nil
}

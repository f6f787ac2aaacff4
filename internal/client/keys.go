package client

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type keyFile struct {
	Address    string `json:"address,omitempty"`
	PrivateKey string `json:"private_key"`
}

// LoadKey reads a secp256k1 key file and returns the private key.
func LoadKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.PrivateKey == "" {
		return nil, fmt.Errorf("private_key is empty in key file")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(kf.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private_key: %w", err)
	}
	if kf.Address != "" {
		if got := crypto.PubkeyToAddress(key.PublicKey).Hex(); !strings.EqualFold(got, kf.Address) {
			return nil, fmt.Errorf("key file address %s does not match key (%s)", kf.Address, got)
		}
	}
	return key, nil
}

// SaveKey writes key to path with owner-only permissions. It refuses to
// replace an existing file.
func SaveKey(path string, key *ecdsa.PrivateKey) error {
	kf := keyFile{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/keyring"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/sign"
)

const keysFileName = "keys.yaml"

// KeyConfig imports one hex-encoded secp256k1 private key.
type KeyConfig struct {
	Label      string `yaml:"label"`
	PrivateKey string `yaml:"private_key"`
}

// KeysConfig is the content of keys.yaml.
//
//	keys:
//	  - label: treasury
//	    private_key: 4c0883a6...
//	generate: 2
type KeysConfig struct {
	Keys []KeyConfig `yaml:"keys"`
	// Generate is the number of ephemeral keys created at startup. Nil means
	// one key when Keys is empty and none otherwise.
	Generate *int `yaml:"generate"`
}

// LoadKeysConfig reads keys.yaml from configDirPath. A missing file yields
// an empty config.
func LoadKeysConfig(configDirPath string) (*KeysConfig, error) {
	path := filepath.Join(configDirPath, keysFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &KeysConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var conf KeysConfig
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if conf.Generate != nil && *conf.Generate < 0 {
		return nil, fmt.Errorf("%s: generate cannot be negative", path)
	}

	return &conf, nil
}

// generateCount resolves how many keys to generate. override is the
// IQKMS_GENERATE_KEYS value, where -1 means unset.
func (c *KeysConfig) generateCount(override int) int {
	if override >= 0 {
		return override
	}
	if c.Generate != nil {
		return *c.Generate
	}
	if len(c.Keys) == 0 {
		return 1
	}
	return 0
}

// BuildKeyring imports the configured keys and generates the requested
// number of fresh ones. Only addresses are logged.
func BuildKeyring(conf *KeysConfig, generateOverride int, lg log.Logger) (*keyring.Keyring, error) {
	lg = lg.WithName("keys")
	kr := keyring.New()

	fail := func(err error) (*keyring.Keyring, error) {
		kr.Close()
		return nil, err
	}

	for i, kc := range conf.Keys {
		label := kc.Label
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1, kc.PrivateKey)
		if err != nil {
			return fail(fmt.Errorf("key %s: %w", label, err))
		}
		address, err := addKey(kr, key)
		if err != nil {
			return fail(fmt.Errorf("key %s: %w", label, err))
		}
		lg.Info("imported key", "label", label, "address", address)
	}

	for range conf.generateCount(generateOverride) {
		key, err := sign.GenerateSigningKey(sign.AlgorithmEcdsaSecp256k1)
		if err != nil {
			return fail(fmt.Errorf("failed to generate key: %w", err))
		}
		address, err := addKey(kr, key)
		if err != nil {
			return fail(err)
		}
		lg.Info("generated key", "address", address)
	}

	if kr.Len() == 0 {
		lg.Warn("keyring is empty, every signing request will fail")
	}
	return kr, nil
}

func addKey(kr *keyring.Keyring, key *sign.SigningKey) (string, error) {
	address, err := ethereum.DeriveAddress(key.VerifyingKey())
	if err != nil {
		key.Zero()
		return "", err
	}
	if err := kr.Add(key); err != nil {
		key.Zero()
		return "", err
	}
	return address.String(), nil
}

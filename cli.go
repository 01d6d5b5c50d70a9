package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iqlusioninc/iqkms/pkg/ethereum"
	"github.com/iqlusioninc/iqkms/pkg/log"
	"github.com/iqlusioninc/iqkms/pkg/sign"
)

const cliUsage = `usage: iqkmsd [command]

Without a command the daemon starts.

commands:
  keygen [label]               print a new keys.yaml entry and its address
  address <hex-key> [chain-id] print the checksum address of a private key
  token <subject> [ttl]        mint a bearer token (needs IQKMS_AUTH_SECRET)
  export-audit [address]       write the audit log as CSV
`

var errUsage = errors.New("invalid arguments")

// runCli executes one command. Output meant for the operator goes to out.
func runCli(logger log.Logger, name string, args []string, out io.Writer) error {
	logger = logger.WithName(name)

	var err error
	switch name {
	case "keygen":
		err = runKeygenCli(args, out)
	case "address":
		err = runAddressCli(args, out)
	case "token":
		err = runTokenCli(logger, args, out)
	case "export-audit":
		err = runExportAuditCli(logger, args, out)
	case "help", "-h", "--help":
		_, err = io.WriteString(out, cliUsage)
		return err
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	if errors.Is(err, errUsage) {
		_, _ = io.WriteString(out, cliUsage)
	}
	return err
}

// runKeygenCli prints a keys.yaml fragment. This is the only place the
// daemon ever shows private key material.
func runKeygenCli(args []string, out io.Writer) error {
	if len(args) > 1 {
		return errUsage
	}
	label := "generated"
	if len(args) == 1 {
		label = args[0]
	}

	keyHex, address, err := generateKeyHex()
	if err != nil {
		return err
	}

	entry, err := yaml.Marshal(KeysConfig{Keys: []KeyConfig{{Label: label, PrivateKey: keyHex}}})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "# address: %s\n%s", address, entry)
	return err
}

func generateKeyHex() (string, ethereum.Address, error) {
	var raw [32]byte
	defer clear(raw[:])

	for range 64 {
		if _, err := rand.Read(raw[:]); err != nil {
			return "", ethereum.Address{}, err
		}
		keyHex := hex.EncodeToString(raw[:])

		key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1, keyHex)
		if errors.Is(err, sign.ErrKeyMalformed) {
			continue
		}
		if err != nil {
			return "", ethereum.Address{}, err
		}

		address, err := ethereum.DeriveAddress(key.VerifyingKey())
		key.Zero()
		if err != nil {
			return "", ethereum.Address{}, err
		}
		return keyHex, address, nil
	}
	return "", ethereum.Address{}, errors.New("failed to generate a valid key")
}

func runAddressCli(args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}

	key, err := sign.NewSigningKeyFromHex(sign.AlgorithmEcdsaSecp256k1, args[0])
	if err != nil {
		return err
	}
	defer key.Zero()

	address, err := ethereum.DeriveAddress(key.VerifyingKey())
	if err != nil {
		return err
	}
	if len(args) == 2 {
		chainID, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid chain id %q", errUsage, args[1])
		}
		address = address.WithChainID(chainID)
	}

	_, err = fmt.Fprintln(out, address.String())
	return err
}

func runTokenCli(logger log.Logger, args []string, out io.Writer) error {
	if len(args) < 1 || len(args) > 2 {
		return errUsage
	}
	ttl := DefaultTokenTTL
	if len(args) == 2 {
		var err error
		if ttl, err = time.ParseDuration(args[1]); err != nil {
			return fmt.Errorf("%w: invalid ttl %q", errUsage, args[1])
		}
	}

	config, err := LoadConfig(logger)
	if err != nil {
		return err
	}
	if config.AuthSecret == "" {
		return errors.New("IQKMS_AUTH_SECRET is not set")
	}

	authManager, err := NewAuthManager(config.AuthSecret)
	if err != nil {
		return err
	}
	claims, token, err := authManager.GenerateToken(args[0], ttl)
	if err != nil {
		return err
	}

	logger.Info("minted token", "subject", claims.Subject, "expiresAt", claims.ExpiresAt.Time)
	_, err = fmt.Fprintln(out, token)
	return err
}

func runExportAuditCli(logger log.Logger, args []string, out io.Writer) error {
	if len(args) > 1 {
		return errUsage
	}
	var filter AuditLogFilter
	if len(args) == 1 {
		if _, err := ethereum.ParseAddress(args[0]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		filter.Address = normalizeAuditAddress(args[0])
	}

	config, err := LoadConfig(logger)
	if err != nil {
		return err
	}
	db, err := ConnectToDB(config.Database, logger)
	if err != nil {
		return err
	}
	sqlDB, err := sqlHandle(db)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	return NewAuditExporter(db).ExportToCSV(out, filter)
}

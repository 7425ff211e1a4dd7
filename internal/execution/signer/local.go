package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	EnvPrivateKey           = "TXFLOW_PRIVATE_KEY"
	EnvPrivateKeyFile       = "TXFLOW_PRIVATE_KEY_FILE"
	EnvKeystorePath         = "TXFLOW_KEYSTORE_PATH"
	EnvKeystorePassword     = "TXFLOW_KEYSTORE_PASSWORD"
	EnvKeystorePasswordFile = "TXFLOW_KEYSTORE_PASSWORD_FILE"

	KeySourceAuto     = "auto"
	KeySourceEnv      = "env"
	KeySourceFile     = "file"
	KeySourceKeystore = "keystore"

	defaultKeyRelativePath = "txflow/key.hex"
)

// LocalSigner holds an secp256k1 key in memory.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
}

// SignHash signs a 32-byte digest and returns the 65-byte signature with the
// recovery id shifted to 27/28, the form Safe owners submit.
func (s *LocalSigner) SignHash(hash []byte) ([]byte, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

type LocalSignerConfig struct {
	PrivateKeyHex        string
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePassword     string
	KeystorePasswordFile string
}

// LocalSignerConfigFromEnv reads key material from TXFLOW_* variables and
// narrows it to source. A non-empty override wins over everything.
func LocalSignerConfigFromEnv(source, override string) (LocalSignerConfig, error) {
	cfg := LocalSignerConfig{
		PrivateKeyHex:        strings.TrimSpace(os.Getenv(EnvPrivateKey)),
		PrivateKeyFile:       strings.TrimSpace(os.Getenv(EnvPrivateKeyFile)),
		KeystorePath:         strings.TrimSpace(os.Getenv(EnvKeystorePath)),
		KeystorePassword:     strings.TrimSpace(os.Getenv(EnvKeystorePassword)),
		KeystorePasswordFile: strings.TrimSpace(os.Getenv(EnvKeystorePasswordFile)),
	}
	if cfg.PrivateKeyFile == "" {
		cfg.PrivateKeyFile = defaultKeyFile()
	}
	if strings.TrimSpace(override) != "" {
		return LocalSignerConfig{PrivateKeyHex: strings.TrimSpace(override)}, nil
	}

	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", KeySourceAuto:
	case KeySourceEnv:
		cfg = LocalSignerConfig{PrivateKeyHex: cfg.PrivateKeyHex}
	case KeySourceFile:
		cfg = LocalSignerConfig{PrivateKeyFile: cfg.PrivateKeyFile}
	case KeySourceKeystore:
		cfg.PrivateKeyHex = ""
		cfg.PrivateKeyFile = ""
	default:
		return LocalSignerConfig{}, fmt.Errorf("unsupported key source %q (expected %s|%s|%s|%s)", source, KeySourceAuto, KeySourceEnv, KeySourceFile, KeySourceKeystore)
	}
	return cfg, nil
}

func NewLocalSignerFromEnv(source string) (*LocalSigner, error) {
	cfg, err := LocalSignerConfigFromEnv(source, "")
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(cfg)
}

func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// loadPrivateKey applies precedence hex > key file > keystore.
func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case strings.TrimSpace(cfg.PrivateKeyHex) != "":
		return parseHexKey(cfg.PrivateKeyHex)
	case strings.TrimSpace(cfg.PrivateKeyFile) != "":
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key file: %w", err)
		}
		return parseHexKey(string(buf))
	case strings.TrimSpace(cfg.KeystorePath) != "":
		return loadKeystore(cfg)
	default:
		return nil, fmt.Errorf("missing signing key: set %s or %s or %s", EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath)
	}
}

func loadKeystore(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	password := cfg.KeystorePassword
	if strings.TrimSpace(password) == "" && strings.TrimSpace(cfg.KeystorePasswordFile) != "" {
		buf, err := os.ReadFile(cfg.KeystorePasswordFile)
		if err != nil {
			return nil, fmt.Errorf("read keystore password file: %w", err)
		}
		password = strings.TrimSpace(string(buf))
	}
	if strings.TrimSpace(password) == "" {
		return nil, fmt.Errorf("keystore password is required")
	}
	buf, err := os.ReadFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("read keystore file: %w", err)
	}
	key, err := keystore.DecryptKey(buf, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return key.PrivateKey, nil
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, fmt.Errorf("empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return pk, nil
}

func defaultKeyFile() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	path := filepath.Join(base, defaultKeyRelativePath)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

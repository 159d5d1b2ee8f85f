package polymarket

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	sdkauth "github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
)

// Credentials holds the L2 API key triplet used for HMAC-signed CLOB
// requests (order cancellation, account-scoped reads). Unlike the teacher,
// order construction and L1 EIP-712 derivation are delegated to the SDK's
// own auth.Signer, so Credentials here is purely a pass-through config value
// rather than something this package computes.
type Credentials struct {
	ApiKey     string
	Secret     string
	Passphrase string
}

// WalletConfig is the subset of config needed to build an Auth.
type WalletConfig struct {
	PrivateKeyHex string
	FunderAddress string
	ChainID       int64
}

// Auth wraps the raw EOA key material the CLOB requires: the SDK's
// auth.Signer (used by clob.NewOrderBuilder for EIP-712 order signing) plus
// the funder/proxy address bookkeeping the teacher's Auth already tracked.
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	signer        sdkauth.Signer
	creds         Credentials
}

// NewAuth parses the EOA private key and builds the SDK signer from it.
func NewAuth(cfg WalletConfig, creds Credentials) (*Auth, error) {
	keyHex := cfg.PrivateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	funder := address
	if cfg.FunderAddress != "" {
		funder = common.HexToAddress(cfg.FunderAddress)
	}

	signer, err := sdkauth.NewSigner(cfg.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("build sdk signer: %w", err)
	}

	return &Auth{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(cfg.ChainID),
		signer:        signer,
		creds:         creds,
	}, nil
}

// Address returns the signer's EOA address.
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the proxy/funder wallet address orders settle against.
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

// ChainID returns the configured Polygon chain ID.
func (a *Auth) ChainID() *big.Int { return a.chainID }

// Signer returns the SDK signer used by clob.NewOrderBuilder.
func (a *Auth) Signer() sdkauth.Signer { return a.signer }

// HasL2Credentials reports whether HMAC API credentials are configured.
func (a *Auth) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

package account

import (
	"errors"
	"fmt"
	"strings"
)

// AssetType mirrors the ledger's asset type discriminator.
type AssetType string

const (
	AssetTypeNative            AssetType = "native"
	AssetTypeCreditAlphanum4   AssetType = "credit_alphanum4"
	AssetTypeCreditAlphanum12  AssetType = "credit_alphanum12"
	nativeShortCode                      = "XLM"
	maxAlphanum4Len                      = 4
	maxAlphanum12Len                     = 12
)

// ErrInvalidAsset is returned when an asset code/issuer pair cannot describe a ledger asset.
var ErrInvalidAsset = errors.New("invalid asset")

// Asset identifies a unit of value by (type, code, issuer). The native asset has no code or issuer.
type Asset struct {
	Type   AssetType `json:"asset_type"`
	Code   string    `json:"asset_code,omitempty"`
	Issuer string    `json:"asset_issuer,omitempty"`
}

// NativeAsset returns the ledger's native asset.
func NativeAsset() Asset {
	return Asset{Type: AssetTypeNative}
}

// NewCreditAsset builds an issued asset, picking the alphanum variant from the code length.
func NewCreditAsset(code, issuer string) (Asset, error) {
	code = strings.TrimSpace(code)
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return Asset{}, fmt.Errorf("%w: issuer is required for %q", ErrInvalidAsset, code)
	}
	switch n := len(code); {
	case n == 0:
		return Asset{}, fmt.Errorf("%w: code is required", ErrInvalidAsset)
	case n <= maxAlphanum4Len:
		return Asset{Type: AssetTypeCreditAlphanum4, Code: code, Issuer: issuer}, nil
	case n <= maxAlphanum12Len:
		return Asset{Type: AssetTypeCreditAlphanum12, Code: code, Issuer: issuer}, nil
	default:
		return Asset{}, fmt.Errorf("%w: code %q longer than %d characters", ErrInvalidAsset, code, maxAlphanum12Len)
	}
}

// ParseAsset accepts "native", "XLM" or "CODE:ISSUER".
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(AssetTypeNative)) || strings.EqualFold(s, nativeShortCode) {
		return NativeAsset(), nil
	}
	code, issuer, ok := strings.Cut(s, ":")
	if !ok {
		return Asset{}, fmt.Errorf("%w: expected CODE:ISSUER, got %q", ErrInvalidAsset, s)
	}
	return NewCreditAsset(code, issuer)
}

// IsNative reports whether a is the ledger's native asset.
func (a Asset) IsNative() bool {
	return a.Type == AssetTypeNative || a.Type == ""
}

// Equal compares assets by their identifying triple.
func (a Asset) Equal(other Asset) bool {
	if a.IsNative() || other.IsNative() {
		return a.IsNative() && other.IsNative()
	}
	return a.Code == other.Code && a.Issuer == other.Issuer
}

// ShortCode is the ticker shown next to balances.
func (a Asset) ShortCode() string {
	if a.IsNative() {
		return nativeShortCode
	}
	return a.Code
}

func (a Asset) String() string {
	if a.IsNative() {
		return string(AssetTypeNative)
	}
	return a.Code + ":" + a.Issuer
}

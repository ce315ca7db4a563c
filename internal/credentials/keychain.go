package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const minPINLength = 4

var (
	// ErrNoAccount indicates no account id has been stored yet.
	ErrNoAccount = errors.New("no account configured")
	// ErrInvalidPIN rejects PINs that are too short or not numeric.
	ErrInvalidPIN = errors.New("PIN must be at least 4 digits")
	// ErrNoPIN indicates a PIN operation was attempted before one was set.
	ErrNoPIN = errors.New("no PIN configured")
	// ErrPINMismatch is returned by VerifyPIN for a wrong PIN.
	ErrPINMismatch = errors.New("invalid PIN")
	// ErrAccountMismatch rejects an account id other than the one the keychain is bound to.
	ErrAccountMismatch = errors.New("account is not the configured source account")
)

// Keychain is the process-wide credential holder: the tracked account id, the PIN hash and the
// "PIN on payment" option. It loads from the Store once and is wiped on logout.
type Keychain struct {
	store Store
	bound string

	mu           sync.Mutex
	loaded       bool
	accountID    string
	pinHash      string
	pinOnPayment bool
}

// NewKeychain wraps store.
func NewKeychain(store Store) *Keychain {
	return &Keychain{store: store}
}

// NewBoundKeychain wraps store and only accepts accountID, the account payments are submitted
// from. A different id left in the store by an earlier configuration reads as absent.
func NewBoundKeychain(store Store, accountID string) *Keychain {
	return &Keychain{store: store, bound: strings.TrimSpace(accountID)}
}

// load must be called with k.mu held.
func (k *Keychain) load(ctx context.Context) error {
	if k.loaded {
		return nil
	}
	accountID, err := k.get(ctx, FieldAccountID)
	if err != nil {
		return err
	}
	pinHash, err := k.get(ctx, FieldPINHash)
	if err != nil {
		return err
	}
	rawOption, err := k.get(ctx, FieldPINOnPayment)
	if err != nil {
		return err
	}
	pinOnPayment, _ := strconv.ParseBool(rawOption)
	if k.bound != "" && accountID != k.bound {
		accountID = ""
	}

	k.accountID = accountID
	k.pinHash = pinHash
	k.pinOnPayment = pinOnPayment
	k.loaded = true
	return nil
}

func (k *Keychain) get(ctx context.Context, field string) (string, error) {
	v, err := k.store.Get(ctx, field)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load keychain: %w", err)
	}
	return v, nil
}

// AccountID returns the stored account id or ErrNoAccount.
func (k *Keychain) AccountID(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.load(ctx); err != nil {
		return "", err
	}
	if k.accountID == "" {
		return "", ErrNoAccount
	}
	return k.accountID, nil
}

// SetAccountID persists the account id.
func (k *Keychain) SetAccountID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoAccount
	}
	if k.bound != "" && id != k.bound {
		return fmt.Errorf("%w: got %s, want %s", ErrAccountMismatch, id, k.bound)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.load(ctx); err != nil {
		return err
	}
	if err := k.store.Set(ctx, FieldAccountID, id); err != nil {
		return err
	}
	k.accountID = id
	return nil
}

// SetPIN hashes and stores pin.
func (k *Keychain) SetPIN(ctx context.Context, pin string) error {
	if !validPIN(pin) {
		return ErrInvalidPIN
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.load(ctx); err != nil {
		return err
	}
	if err := k.store.Set(ctx, FieldPINHash, string(hash)); err != nil {
		return err
	}
	k.pinHash = string(hash)
	return nil
}

// HasPIN reports whether a PIN has been set.
func (k *Keychain) HasPIN(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.load(ctx); err != nil {
		return false, err
	}
	return k.pinHash != "", nil
}

// VerifyPIN checks pin against the stored hash.
func (k *Keychain) VerifyPIN(ctx context.Context, pin string) error {
	k.mu.Lock()
	if err := k.load(ctx); err != nil {
		k.mu.Unlock()
		return err
	}
	hash := k.pinHash
	k.mu.Unlock()

	if hash == "" {
		return ErrNoPIN
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return ErrPINMismatch
	}
	return nil
}

// PINOnPayment reports whether payments must carry a verified PIN.
func (k *Keychain) PINOnPayment(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.load(ctx); err != nil {
		return false, err
	}
	return k.pinOnPayment, nil
}

// SetPINOnPayment toggles the payment PIN requirement. Enabling it requires a PIN.
func (k *Keychain) SetPINOnPayment(ctx context.Context, on bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.load(ctx); err != nil {
		return err
	}
	if on && k.pinHash == "" {
		return ErrNoPIN
	}
	if err := k.store.Set(ctx, FieldPINOnPayment, strconv.FormatBool(on)); err != nil {
		return err
	}
	k.pinOnPayment = on
	return nil
}

// Clear wipes every credential. The keychain stays usable and reads as empty afterwards.
func (k *Keychain) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.store.Clear(ctx); err != nil {
		return err
	}
	k.accountID = ""
	k.pinHash = ""
	k.pinOnPayment = false
	k.loaded = true
	return nil
}

func validPIN(pin string) bool {
	if len(pin) < minPINLength {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

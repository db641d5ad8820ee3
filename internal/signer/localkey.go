package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/signer/keys"
)

// KeySource records where a key came from.
type KeySource string

const (
	// SourceMemory keys were entered for this session only.
	SourceMemory KeySource = "memory"

	// SourcePersisted keys were loaded from storage.
	SourcePersisted KeySource = "persisted"
)

var (
	// ErrNoSufficientKey is returned when no held key reaches the required
	// authority.
	ErrNoSufficientKey = errors.New("no key held for the required authority")

	// ErrPersistedOwnerKey is returned when an owner write would be signed
	// with an owner key loaded from storage. Owner keys must be entered
	// for the write.
	ErrPersistedOwnerKey = errors.New("owner key from storage may not sign owner operations")

	// ErrBroadcastUncertain wraps a transport failure after the signed
	// transaction was handed to the ledger. The node may have accepted
	// it, so the failure is final.
	ErrBroadcastUncertain = errors.New("broadcast outcome unknown")
)

// Key is a private key and its origin.
type Key struct {
	Private *keys.PrivateKey
	Source  KeySource
}

// Keyring holds one account's role keys.
type Keyring struct {
	username string

	mu      sync.RWMutex
	entries map[ir.Authority]Key
}

// NewKeyring returns an empty keyring for username.
func NewKeyring(username string) *Keyring {
	return &Keyring{username: username, entries: make(map[ir.Authority]Key)}
}

// Username is the account the keys belong to.
func (k *Keyring) Username() string { return k.username }

// Add stores key for role, replacing any previous key.
func (k *Keyring) Add(role ir.Authority, key *keys.PrivateKey, src KeySource) error {
	if role.Level() == 0 {
		return fmt.Errorf("keyring: unknown role %q", role)
	}
	if key == nil {
		return errors.New("keyring: nil key")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[role] = Key{Private: key, Source: src}
	return nil
}

// AddWIF decodes wif and stores it for role.
func (k *Keyring) AddWIF(role ir.Authority, wif string, src KeySource) error {
	key, err := keys.ParseWIF(wif)
	if err != nil {
		return fmt.Errorf("keyring: %s key: %w", role, err)
	}
	return k.Add(role, key, src)
}

// Len returns the number of held keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Pick returns the lowest held key whose role satisfies required.
func (k *Keyring) Pick(required ir.Authority) (Key, ir.Authority, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, role := range []ir.Authority{ir.AuthorityPosting, ir.AuthorityActive, ir.AuthorityOwner} {
		if !role.Satisfies(required) {
			continue
		}
		key, ok := k.entries[role]
		if !ok {
			continue
		}
		if required == ir.AuthorityOwner && key.Source == SourcePersisted {
			return Key{}, "", ErrPersistedOwnerKey
		}
		return key, role, nil
	}
	return Key{}, "", fmt.Errorf("%w: %s", ErrNoSufficientKey, required)
}

// LocalKeyProvider signs with keys from ac.Keys and broadcasts through
// the ledger client.
type LocalKeyProvider struct {
	chainID     string
	reader      ledger.Reader
	broadcaster ledger.Broadcaster
	expiry      time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// LocalKeyOption configures a LocalKeyProvider.
type LocalKeyOption func(*LocalKeyProvider)

// WithLocalKeyTimeout bounds prepare + broadcast.
func WithLocalKeyTimeout(d time.Duration) LocalKeyOption {
	return func(p *LocalKeyProvider) { p.timeout = d }
}

// WithTransactionExpiry sets how far past head block time transactions
// expire.
func WithTransactionExpiry(d time.Duration) LocalKeyOption {
	return func(p *LocalKeyProvider) { p.expiry = d }
}

// NewLocalKeyProvider returns a provider signing for chainID.
func NewLocalKeyProvider(chainID string, r ledger.Reader, b ledger.Broadcaster, opts ...LocalKeyOption) *LocalKeyProvider {
	p := &LocalKeyProvider{
		chainID:     chainID,
		reader:      r,
		broadcaster: b,
		expiry:      time.Minute,
		timeout:     30 * time.Second,
		logger:      slog.Default().With("provider", ir.ProviderLocalKey),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *LocalKeyProvider) ID() ir.ProviderID { return ir.ProviderLocalKey }

func (p *LocalKeyProvider) CanHandle(ac *AuthContext) bool {
	return ac != nil && ac.Keys != nil && ac.Keys.Len() > 0
}

func (p *LocalKeyProvider) Execute(ctx context.Context, ac *AuthContext, username string, ops ir.OperationSet, auth ir.Authority) ir.ProviderResult {
	if ac == nil || ac.Keys == nil {
		return failed(p, ErrNoSufficientKey)
	}
	if ac.Keys.Username() != username {
		return failed(p, fmt.Errorf("%w: keyring is for %q", ErrUsernameMismatch, ac.Keys.Username()))
	}
	key, role, err := ac.Keys.Pick(auth)
	if err != nil {
		return failed(p, err)
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := ledger.PrepareTransaction(ctx, p.reader, ops, p.expiry)
	if err != nil {
		return failed(p, err)
	}
	digest, err := keys.SigningDigest(p.chainID, tx)
	if err != nil {
		return ir.Failed(p.ID(), ir.CodeBuild, false, err, "signing digest: %v", err)
	}
	signed := ir.SignedTransaction{Transaction: tx, Signatures: []string{key.Private.SignDigest(digest)}}
	p.logger.DebugContext(ctx, "signed locally", "role", role, "ops", ops.Names())

	conf, err := p.broadcaster.Broadcast(ctx, signed)
	if err != nil {
		if !ledger.IsRPCError(err) {
			err = fmt.Errorf("%w: %w", ErrBroadcastUncertain, err)
		}
		return failed(p, err)
	}
	if conf.TxID == "" {
		conf.TxID, _ = tx.ID()
	}
	return ir.Broadcast(p.ID(), conf)
}

func (p *LocalKeyProvider) Classify(err error) Classification {
	var f *ir.Failure
	if errors.Is(err, ErrBroadcastUncertain) && !errors.As(err, &f) {
		return Classification{Retryable: false, Code: ir.CodeNetwork, Message: err.Error()}
	}
	if c, ok := classifyCommon(err); ok {
		return c
	}
	switch {
	case errors.Is(err, ErrNoSufficientKey), errors.Is(err, ErrPersistedOwnerKey):
		return Classification{Retryable: false, Code: ir.CodeCredentialInvalid, Message: err.Error()}
	}
	return Classification{Retryable: true, Code: ir.CodeNetwork, Message: err.Error()}
}

package ir

import (
	"errors"
	"fmt"
	"time"
)

// Authority is the permission tier a signature must carry.
type Authority string

const (
	AuthorityPosting Authority = "posting"
	AuthorityActive  Authority = "active"
	AuthorityOwner   Authority = "owner"
)

// Level ranks authorities: posting < active < owner. Unknown values rank 0.
func (a Authority) Level() int {
	switch a {
	case AuthorityPosting:
		return 1
	case AuthorityActive:
		return 2
	case AuthorityOwner:
		return 3
	default:
		return 0
	}
}

// Satisfies reports whether a signature at authority a is acceptable for
// an operation requiring req.
func (a Authority) Satisfies(req Authority) bool {
	return a.Level() > 0 && a.Level() >= req.Level()
}

// ParseAuthority validates an authority name.
func ParseAuthority(s string) (Authority, error) {
	a := Authority(s)
	if a.Level() == 0 {
		return "", fmt.Errorf("unknown authority %q: must be posting, active or owner", s)
	}
	return a, nil
}

// WriteIntent is a user-initiated request to mutate ledger state.
// Kind selects the builder; Payload is the builder-specific input.
// An empty RequiredAuthority means "whatever the builder requires".
type WriteIntent struct {
	Kind              string    `json:"kind"`
	Username          string    `json:"username"`
	Payload           any       `json:"payload"`
	RequiredAuthority Authority `json:"required_authority,omitempty"`
}

// Operation is one ledger-level instruction.
type Operation struct {
	Name   string `json:"name"`
	Fields Object `json:"fields"`
}

// Value returns the legacy [name, {fields}] array form.
func (op Operation) Value() Array {
	fields := op.Fields
	if fields == nil {
		fields = Object{}
	}
	return Array{String(op.Name), fields}
}

// ErrEmptyOperationSet is returned when an OperationSet would carry no
// operations.
var ErrEmptyOperationSet = errors.New("operation set must contain at least one operation")

// OperationSet is the ordered, immutable output of a builder. The ledger
// applies the operations in sequence and the whole set is handed to a
// single provider as one unit.
type OperationSet struct {
	ops       []Operation
	authority Authority
}

// NewOperationSet copies ops so later mutation of the caller's slice cannot
// reorder a built set.
func NewOperationSet(auth Authority, ops ...Operation) (OperationSet, error) {
	if len(ops) == 0 {
		return OperationSet{}, ErrEmptyOperationSet
	}
	if auth.Level() == 0 {
		return OperationSet{}, fmt.Errorf("operation set: invalid authority %q", auth)
	}
	cp := make([]Operation, len(ops))
	copy(cp, ops)
	return OperationSet{ops: cp, authority: auth}, nil
}

// Ops returns a copy of the operations in order.
func (s OperationSet) Ops() []Operation {
	cp := make([]Operation, len(s.ops))
	copy(cp, s.ops)
	return cp
}

// Len returns the number of operations.
func (s OperationSet) Len() int { return len(s.ops) }

// Authority is the authority the set requires.
func (s OperationSet) Authority() Authority { return s.authority }

// Names returns operation names in order. Handy in logs.
func (s OperationSet) Names() []string {
	names := make([]string, len(s.ops))
	for i, op := range s.ops {
		names[i] = op.Name
	}
	return names
}

// Array returns the ledger form: [[name, {fields}], ...].
func (s OperationSet) Array() Array {
	arr := make(Array, len(s.ops))
	for i, op := range s.ops {
		arr[i] = op.Value()
	}
	return arr
}

// MarshalJSON encodes the set in ledger form.
func (s OperationSet) MarshalJSON() ([]byte, error) {
	return MarshalValue(s.Array())
}

// Transaction is an unsigned ledger transaction.
type Transaction struct {
	RefBlockNum    uint16       `json:"ref_block_num"`
	RefBlockPrefix uint32       `json:"ref_block_prefix"`
	Expiration     time.Time    `json:"-"`
	Operations     OperationSet `json:"operations"`
	Extensions     []string     `json:"extensions"`
}

// Object returns the transaction as a Value for canonical encoding.
func (t Transaction) Object() Object {
	ext := Array{}
	for _, e := range t.Extensions {
		ext = append(ext, String(e))
	}
	return Obj(
		F("ref_block_num", Int(t.RefBlockNum)),
		F("ref_block_prefix", Int(t.RefBlockPrefix)),
		F("expiration", String(t.Expiration.UTC().Format("2006-01-02T15:04:05"))),
		F("operations", t.Operations.Array()),
		F("extensions", ext),
	)
}

// SignedTransaction is a transaction plus its hex signatures.
type SignedTransaction struct {
	Transaction Transaction `json:"transaction"`
	Signatures  []string    `json:"signatures"`
}

// Object returns the signed transaction as a Value.
func (st SignedTransaction) Object() Object {
	obj := st.Transaction.Object()
	obj["signatures"] = Strings(st.Signatures...)
	return obj
}

// MarshalJSON encodes the flat ledger form.
func (st SignedTransaction) MarshalJSON() ([]byte, error) {
	return st.Object().MarshalJSON()
}

// Confirmation acknowledges that a transaction was accepted by the network.
type Confirmation struct {
	TxID     string     `json:"tx_id"`
	BlockNum int64      `json:"block_num,omitempty"`
	Provider ProviderID `json:"provider"`
}

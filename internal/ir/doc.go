// Package ir defines the value types that flow through the write pipeline:
// write intents, ledger operations, operation sets, transactions and the
// tagged provider results returned by signing backends.
//
// # Identity
//
// Operation sets and intents are content-addressed. Their identifiers are
// SHA-256 digests over RFC 8785 canonical JSON with a domain prefix, so the
// same logical operation always hashes to the same id regardless of map
// iteration order or Unicode normalization form.
//
// Field values are restricted to Value (String, Int, Bool, Array, Object,
// Null). Floats are not representable; ledger amounts travel as strings
// ("1.000 HIVE") and are validated by package asset.
package ir

package ir

const (
	// DigestVersion is bumped whenever the canonical form of an operation
	// set changes. Journals written under a different version are rejected.
	DigestVersion = "1"

	// ClientVersion is reported to remote signers during challenges.
	ClientVersion = "0.3.0"
)

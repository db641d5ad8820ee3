package builder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	minAccountLen = 3
	maxAccountLen = 16

	maxPermlinkLen = 256
	maxTitleLen    = 255
	maxMemoLen     = 2048
	maxCustomIDLen = 32
	maxWeight      = 10000
)

// ValidateAccount applies the ledger's account-name rules: 3 to 16
// characters, dot separated segments of at least 3 characters, each
// starting with a letter, ending with a letter or digit, containing only
// lowercase letters, digits and single dashes.
func ValidateAccount(name string) error {
	if name == "" {
		return errors.New("account name is empty")
	}
	if len(name) < minAccountLen || len(name) > maxAccountLen {
		return fmt.Errorf("account name %q must be %d to %d characters", name, minAccountLen, maxAccountLen)
	}
	for _, seg := range strings.Split(name, ".") {
		if err := validateSegment(seg); err != nil {
			return fmt.Errorf("account name %q: %w", name, err)
		}
	}
	return nil
}

func validateSegment(seg string) error {
	if len(seg) < minAccountLen {
		return fmt.Errorf("segment %q shorter than %d", seg, minAccountLen)
	}
	if seg[0] < 'a' || seg[0] > 'z' {
		return fmt.Errorf("segment %q must start with a lowercase letter", seg)
	}
	last := seg[len(seg)-1]
	if !isLower(last) && !isDigit(last) {
		return fmt.Errorf("segment %q must end with a letter or digit", seg)
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case isLower(c), isDigit(c):
		case c == '-':
			if seg[i-1] == '-' {
				return fmt.Errorf("segment %q has consecutive dashes", seg)
			}
		default:
			return fmt.Errorf("segment %q has invalid character %q", seg, c)
		}
	}
	return nil
}

// validatePermlink checks the permlink charset: lowercase letters,
// digits and dashes.
func validatePermlink(p string) error {
	if p == "" {
		return errors.New("permlink is empty")
	}
	if len(p) > maxPermlinkLen {
		return fmt.Errorf("permlink longer than %d", maxPermlinkLen)
	}
	for i := 0; i < len(p); i++ {
		c := p[i]
		if !isLower(c) && !isDigit(c) && c != '-' {
			return fmt.Errorf("permlink has invalid character %q", c)
		}
	}
	return nil
}

// validateJSONObject accepts "" or a JSON object.
func validateJSONObject(s string) error {
	if s == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return fmt.Errorf("not a JSON object: %w", err)
	}
	return nil
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

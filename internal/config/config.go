// Package config loads ledgerwrite configuration from CUE or YAML.
//
// Both formats are unified with the embedded #Config schema, which
// supplies defaults and rejects unknown fields. Validate then checks
// what the schema cannot express.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerwrite/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Error codes.
const (
	ErrCodeNotFound    = "E201" // config file missing
	ErrCodeFormat      = "E202" // unknown file extension
	ErrCodeParse       = "E203" // CUE or YAML syntax
	ErrCodeSchema      = "E204" // schema unification failed
	ErrCodeInvalid     = "E205" // semantic validation failed
	ErrCodeBadDuration = "E206" // duration did not parse
)

// LoadError is a configuration error with a source position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsLoadError reports whether err is a LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Timeouts bound each provider. The pipeline has no global timeout.
type Timeouts struct {
	Extension time.Duration
	Session   time.Duration
	Token     time.Duration
	Broadcast time.Duration
}

// Poll is the default confirmation poll.
type Poll struct {
	Interval    time.Duration
	MaxAttempts int
}

// Config is the resolved configuration.
type Config struct {
	Nodes             []string
	ChainID           string
	FallbackChain     []ir.ProviderID
	EnableFallback    bool
	Timeouts          Timeouts
	TransactionExpiry time.Duration
	TokenEndpoint     string
	Poll              Poll
	ActivityEndpoint  string
	JournalPath       string
	APIListen         string
}

// raw mirrors #Config for decoding.
type raw struct {
	Nodes          []string `json:"nodes"`
	ChainID        string   `json:"chain_id"`
	FallbackChain  []string `json:"fallback_chain"`
	EnableFallback bool     `json:"enable_fallback"`
	Timeouts       struct {
		Extension string `json:"extension"`
		Session   string `json:"session"`
		Token     string `json:"token"`
		Broadcast string `json:"broadcast"`
	} `json:"timeouts"`
	TransactionExpiry string `json:"transaction_expiry"`
	Token             struct {
		Endpoint string `json:"endpoint"`
	} `json:"token"`
	Poll struct {
		Interval    string `json:"interval"`
		MaxAttempts int    `json:"max_attempts"`
	} `json:"poll"`
	Activity struct {
		Endpoint string `json:"endpoint"`
	} `json:"activity"`
	Journal struct {
		Path string `json:"path"`
	} `json:"journal"`
	API struct {
		Listen string `json:"listen"`
	} `json:"api"`
}

func schema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile embedded schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

// Default returns the schema defaults.
func Default() Config {
	ctx := cuecontext.New()
	cfg, err := resolve(ctx, ctx.CompileString("{}"))
	if err != nil {
		// The embedded schema is fixed; a failure here is a build defect.
		panic(err)
	}
	return cfg
}

// Load reads path. The format follows the extension: .cue, .yaml or .yml.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("read config: %v", err)}
	}
	return Parse(path, data)
}

// Parse decodes data using filename for format and positions.
func Parse(filename string, data []byte) (Config, error) {
	ctx := cuecontext.New()
	var v cue.Value
	switch filepath.Ext(filename) {
	case ".cue":
		v = ctx.CompileBytes(data, cue.Filename(filename))
		if err := v.Err(); err != nil {
			return Config{}, cueLoadError(ErrCodeParse, err)
		}
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Config{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", filename, err)}
		}
		if doc == nil {
			doc = map[string]any{}
		}
		v = ctx.Encode(doc)
		if err := v.Err(); err != nil {
			return Config{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("%s: %v", filename, err)}
		}
	default:
		return Config{}, &LoadError{Code: ErrCodeFormat, Message: fmt.Sprintf("unsupported config format %q (want .cue, .yaml or .yml)", filename)}
	}

	cfg, err := resolve(ctx, v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(ctx *cue.Context, v cue.Value) (Config, error) {
	s, err := schema(ctx)
	if err != nil {
		return Config{}, err
	}
	unified := s.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Config{}, cueLoadError(ErrCodeSchema, err)
	}
	var r raw
	if err := unified.Decode(&r); err != nil {
		return Config{}, cueLoadError(ErrCodeSchema, err)
	}
	return fromRaw(r)
}

// cueLoadError keeps the first error and its position.
func cueLoadError(code string, err error) *LoadError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: code, Message: err.Error()}
	}
	first := errs[0]
	le := &LoadError{Code: code, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		le.Pos = pos[0]
	}
	return le
}

func fromRaw(r raw) (Config, error) {
	cfg := Config{
		Nodes:            r.Nodes,
		ChainID:          r.ChainID,
		EnableFallback:   r.EnableFallback,
		TokenEndpoint:    r.Token.Endpoint,
		ActivityEndpoint: r.Activity.Endpoint,
		JournalPath:      r.Journal.Path,
		APIListen:        r.API.Listen,
	}
	for _, name := range r.FallbackChain {
		id, err := ir.ParseProviderID(name)
		if err != nil {
			return Config{}, &LoadError{Code: ErrCodeSchema, Message: err.Error()}
		}
		cfg.FallbackChain = append(cfg.FallbackChain, id)
	}

	durations := []struct {
		field string
		text  string
		dst   *time.Duration
	}{
		{"timeouts.extension", r.Timeouts.Extension, &cfg.Timeouts.Extension},
		{"timeouts.session", r.Timeouts.Session, &cfg.Timeouts.Session},
		{"timeouts.token", r.Timeouts.Token, &cfg.Timeouts.Token},
		{"timeouts.broadcast", r.Timeouts.Broadcast, &cfg.Timeouts.Broadcast},
		{"transaction_expiry", r.TransactionExpiry, &cfg.TransactionExpiry},
		{"poll.interval", r.Poll.Interval, &cfg.Poll.Interval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(d.text)
		if err != nil {
			return Config{}, &LoadError{Code: ErrCodeBadDuration, Message: fmt.Sprintf("%s: %v", d.field, err)}
		}
		*d.dst = parsed
	}
	cfg.Poll.MaxAttempts = r.Poll.MaxAttempts
	return cfg, nil
}

// Validate checks constraints the schema does not express.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return &LoadError{Code: ErrCodeInvalid, Message: fmt.Sprintf(format, args...)}
	}
	if len(c.Nodes) == 0 {
		return invalid("nodes: at least one ledger node is required")
	}
	for _, n := range c.Nodes {
		if err := checkURL(n); err != nil {
			return invalid("nodes: %v", err)
		}
	}
	if len(c.FallbackChain) == 0 {
		return invalid("fallback_chain: at least one provider is required")
	}
	seen := make(map[ir.ProviderID]bool)
	for _, p := range c.FallbackChain {
		if seen[p] {
			return invalid("fallback_chain: %s listed twice", p)
		}
		seen[p] = true
	}
	for name, d := range map[string]time.Duration{
		"timeouts.extension": c.Timeouts.Extension,
		"timeouts.session":   c.Timeouts.Session,
		"timeouts.token":     c.Timeouts.Token,
		"timeouts.broadcast": c.Timeouts.Broadcast,
		"transaction_expiry": c.TransactionExpiry,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if c.Poll.MaxAttempts <= 0 {
		return invalid("poll.max_attempts must be positive")
	}
	if c.TokenEndpoint != "" {
		if err := checkURL(c.TokenEndpoint); err != nil {
			return invalid("token.endpoint: %v", err)
		}
	}
	if c.ActivityEndpoint != "" {
		if err := checkURL(c.ActivityEndpoint); err != nil {
			return invalid("activity.endpoint: %v", err)
		}
	}
	return nil
}

func checkURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", s)
	}
	return nil
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Write failed, scenario failed, config invalid
	ExitCommandError = 2 // Bad flags, unreadable files, journal not found
)

// ExitError carries the process exit code for an error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as JSON envelopes or text.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics; defaults to Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope for every command.
type CLIResponse struct {
	Status   string    `json:"status"` // "ok" or "error"
	Data     any       `json:"data,omitempty"`
	Error    *CLIError `json:"error,omitempty"`
	IntentID string    `json:"intent_id,omitempty"`
}

// CLIError is the error part of a CLIResponse. Code is a failure code
// (e.g. ALL_PROVIDERS_FAILED) or a config error code (E2xx).
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

// Success writes data. In text mode text is printed instead, or data
// itself when text is empty.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.json() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == "" {
		text = fmt.Sprint(data)
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// SuccessFor is Success tagged with the intent it concerns.
func (f *OutputFormatter) SuccessFor(intentID string, data any, text string) error {
	if f.json() {
		return f.encode(CLIResponse{Status: "ok", Data: data, IntentID: intentID})
	}
	return f.Success(data, text)
}

// Error writes an error envelope, or "Error [code]: message" as text.
func (f *OutputFormatter) Error(code, message string, details any) error {
	return f.ErrorFor("", code, message, details)
}

// ErrorFor is Error tagged with the intent it concerns.
func (f *OutputFormatter) ErrorFor(intentID, code, message string, details any) error {
	if f.json() {
		return f.encode(CLIResponse{
			Status:   "error",
			IntentID: intentID,
			Error:    &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog writes to ErrWriter with --verbose only, so JSON on Writer
// stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.errWriter(), format+"\n", args...)
}

func (f *OutputFormatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Package ledger talks to ledger API nodes over JSON-RPC 2.0.
//
// Client fails over across the configured nodes in order: a transport
// error or a 5xx moves to the next node, an RPC error from a node that
// answered is returned as is.
package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// maxResponseBody caps how much of a node response is read (10 MiB).
const maxResponseBody int64 = 10 << 20

// TimeLayout is the node's timestamp format (UTC, no zone suffix).
const TimeLayout = "2006-01-02T15:04:05"

// Broadcaster submits a signed transaction.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx ir.SignedTransaction) (ir.Confirmation, error)
}

// Reader is the read side used to prepare transactions and to confirm
// that writes became visible.
type Reader interface {
	DynamicGlobalProperties(ctx context.Context) (GlobalProperties, error)
	ActiveVotes(ctx context.Context, author, permlink string) ([]Vote, error)
	Transaction(ctx context.Context, id string) (TransactionInfo, error)
}

// GlobalProperties is the subset of chain state needed for reference
// block fields.
type GlobalProperties struct {
	HeadBlockNumber int64  `json:"head_block_number"`
	HeadBlockID     string `json:"head_block_id"`
	Time            string `json:"time"`
}

// Vote is one entry of a post's active votes. Percent is the vote weight
// in basis points.
type Vote struct {
	Voter   string `json:"voter"`
	Percent int    `json:"percent"`
}

// TransactionInfo locates an included transaction.
type TransactionInfo struct {
	TransactionID string `json:"transaction_id"`
	BlockNum      int64  `json:"block_num"`
}

// RPCError is a JSON-RPC error returned by a node that processed the
// request. For broadcasts it means the transaction itself was refused.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger: rpc error %d: %s", e.Code, e.Message)
}

// NetworkError means no node produced an answer: transport failure,
// timeout, or a 5xx from every node tried.
type NetworkError struct {
	Node string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger: node %s: %v", e.Node, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsRPCError reports whether err is (or wraps) an RPCError.
func IsRPCError(err error) bool {
	var re *RPCError
	return errors.As(err, &re)
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// Client is a failover JSON-RPC client.
type Client struct {
	nodes  []string
	http   *http.Client
	logger *slog.Logger
	nextID atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient returns a client for nodes, tried in order.
func NewClient(nodes []string, opts ...Option) (*Client, error) {
	if len(nodes) == 0 {
		return nil, errors.New("ledger: at least one node is required")
	}
	c := &Client{
		nodes:  append([]string(nil), nodes...),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Call invokes method with params and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", method, err)
	}

	var lastErr error
	for _, node := range c.nodes {
		result, err := c.callNode(ctx, node, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(result, out); err != nil {
				return fmt.Errorf("ledger: decode %s result: %w", method, err)
			}
			return nil
		}
		if IsRPCError(err) {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			return &NetworkError{Node: node, Err: ctx.Err()}
		}
		c.logger.WarnContext(ctx, "ledger node failed, trying next", "node", node, "method", method, "error", err)
	}
	return lastErr
}

func (c *Client) callNode(ctx context.Context, node string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Node: node, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Node: node, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &NetworkError{Node: node, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return nil, &NetworkError{Node: node, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, &NetworkError{Node: node, Err: fmt.Errorf("status %d: malformed response: %w", resp.StatusCode, err)}
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

type broadcastResult struct {
	ID       string `json:"id"`
	BlockNum int64  `json:"block_num"`
}

// Broadcast submits tx and waits for block inclusion.
func (c *Client) Broadcast(ctx context.Context, tx ir.SignedTransaction) (ir.Confirmation, error) {
	var res broadcastResult
	if err := c.Call(ctx, "condenser_api.broadcast_transaction_synchronous", []any{tx}, &res); err != nil {
		return ir.Confirmation{}, err
	}
	return ir.Confirmation{TxID: res.ID, BlockNum: res.BlockNum}, nil
}

// DynamicGlobalProperties returns head block state.
func (c *Client) DynamicGlobalProperties(ctx context.Context) (GlobalProperties, error) {
	var gp GlobalProperties
	err := c.Call(ctx, "condenser_api.get_dynamic_global_properties", []any{}, &gp)
	return gp, err
}

// ActiveVotes returns the current votes on a post.
func (c *Client) ActiveVotes(ctx context.Context, author, permlink string) ([]Vote, error) {
	var votes []Vote
	err := c.Call(ctx, "condenser_api.get_active_votes", []any{author, permlink}, &votes)
	return votes, err
}

// Transaction looks up an included transaction by id.
func (c *Client) Transaction(ctx context.Context, id string) (TransactionInfo, error) {
	var info TransactionInfo
	err := c.Call(ctx, "condenser_api.get_transaction", []any{id}, &info)
	return info, err
}

// PrepareTransaction wraps ops in a transaction referencing the current
// head block, expiring expiry after head block time.
func PrepareTransaction(ctx context.Context, r Reader, ops ir.OperationSet, expiry time.Duration) (ir.Transaction, error) {
	gp, err := r.DynamicGlobalProperties(ctx)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("prepare transaction: %w", err)
	}
	id, err := hex.DecodeString(gp.HeadBlockID)
	if err != nil || len(id) < 8 {
		return ir.Transaction{}, fmt.Errorf("prepare transaction: malformed head block id %q", gp.HeadBlockID)
	}
	head, err := time.Parse(TimeLayout, gp.Time)
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("prepare transaction: head block time: %w", err)
	}
	return ir.Transaction{
		RefBlockNum:    uint16(gp.HeadBlockNumber & 0xFFFF),
		RefBlockPrefix: binary.LittleEndian.Uint32(id[4:8]),
		Expiration:     head.Add(expiry),
		Operations:     ops,
		Extensions:     []string{},
	}, nil
}

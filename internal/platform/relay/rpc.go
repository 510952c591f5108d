package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// errNoResponse marks a request whose outcome at the relay is unknown.
var errNoResponse = errors.New("relay: no response")

// RPCError is a JSON-RPC error object returned by the relay.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// HTTPError is a non-2xx relay response without a JSON-RPC body.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RequestSigner signs the raw request body for the relay's auth header.
type RequestSigner interface {
	RelaySignature(body []byte) (string, error)
}

type rpcClient struct {
	url    string
	http   *http.Client
	signer RequestSigner
	nextID atomic.Uint64
}

func (c *rpcClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	sig, err := c.signer.RelaySignature(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flashbots-Signature", sig)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", errNoResponse, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response: %w", errNoResponse, method, err)
	}

	var rr rpcResponse
	if jsonErr := json.Unmarshal(respBody, &rr); jsonErr == nil && rr.Error != nil {
		return rr.Error
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// staleMarkers are relay messages meaning the bundle can no longer apply.
var staleMarkers = []string{
	"nonce too low",
	"execution reverted",
	"bundle simulation failed",
	"block in the past",
	"already known",
	"replacement transaction underpriced",
}

// classify maps a relay failure onto the submission taxonomy. It never
// returns SubmissionAmbiguous; only the inclusion wait can decide that.
func classify(op string, err error) *domain.SubmissionError {
	var (
		se      *domain.SubmissionError
		rpcErr  *RPCError
		httpErr *HTTPError
	)
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, domain.ErrSigningFailed):
		return domain.NewSubmissionError(domain.SubmissionMalformed, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, errNoResponse):
		return domain.NewSubmissionError(domain.SubmissionTransient, op, err)
	case errors.As(err, &rpcErr):
		switch rpcErr.Code {
		case -32700, -32600, -32601, -32602:
			return domain.NewSubmissionError(domain.SubmissionMalformed, op, err)
		}
		msg := strings.ToLower(rpcErr.Message)
		for _, m := range staleMarkers {
			if strings.Contains(msg, m) {
				return domain.NewSubmissionError(domain.SubmissionStale, op, err)
			}
		}
		return domain.NewSubmissionError(domain.SubmissionTransient, op, err)
	case errors.As(err, &httpErr):
		if httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500 {
			return domain.NewSubmissionError(domain.SubmissionTransient, op, err)
		}
		return domain.NewSubmissionError(domain.SubmissionMalformed, op, err)
	default:
		return domain.NewSubmissionError(domain.SubmissionTransient, op, err)
	}
}

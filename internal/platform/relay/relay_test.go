package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/crypto"
	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/platform/chain"
)

var dec = decimal.RequireFromString

const (
	testKey  = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	usdcAddr = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	pool     = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	headStep uint64
	receipt  func(common.Hash) (*types.Receipt, error)
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 5, nil }

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(10_000_000_000), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.head
	f.head += f.headStep
	return h, nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt(h)
}

type harness struct {
	signer  *crypto.Signer
	encoder *chain.Encoder
	chain   *fakeChain
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 1)
	require.NoError(t, err)
	assets, err := chain.NewAssets(map[string]string{"USDC": usdcAddr}, map[string]int32{"USDC": 6})
	require.NoError(t, err)
	enc, err := chain.NewEncoder(chain.EncoderConfig{QuoteAsset: "USDC"}, assets)
	require.NoError(t, err)
	return &harness{signer: signer, encoder: enc, chain: &fakeChain{head: 100, headStep: 1}}
}

func (h *harness) submitter(url string) *Submitter {
	return New(Config{
		URL:          url,
		PollInterval: time.Millisecond,
		MaxWait:      50 * time.Millisecond,
		NativePrice:  dec("2500"),
	}, h.chain, h.signer, h.encoder, testLogger())
}

func (h *harness) settledReceipt(t *testing.T, status uint64) func(common.Hash) (*types.Receipt, error) {
	t.Helper()
	ev := h.encoder.ABI().Events["Settled"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(100_000_000), big.NewInt(90_000), big.NewInt(115_000_000))
	require.NoError(t, err)
	settled := &types.Log{
		Topics: []common.Hash{ev.ID, common.BytesToHash(common.HexToAddress(usdcAddr).Bytes())},
		Data:   data,
	}
	return func(hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{
			Status:            status,
			TxHash:            hash,
			GasUsed:           100_000,
			EffectiveGasPrice: big.NewInt(10_000_000_000),
			BlockNumber:       big.NewInt(101),
			Logs:              []*types.Log{settled},
		}, nil
	}
}

func testPlan(identity string) domain.OperationPlan {
	step := func(kind domain.StepKind, action, amount string) domain.Step {
		return domain.Step{Kind: kind, Action: action, Asset: "USDC", Amount: dec(amount), Target: pool, Calldata: []byte{0x01}}
	}
	return domain.OperationPlan{
		OpportunityID: "liq:bob:WETH:USDC@1",
		Identity:      identity,
		Steps: []domain.Step{
			step(domain.StepBorrow, "flashLoan", "100"),
			step(domain.StepAct, "liquidationCall", "100"),
			step(domain.StepAct, "swap", "105"),
			step(domain.StepRepay, "repay", "100.09"),
		},
		ExpectedProfit: dec("3"),
	}
}

type relayCall struct {
	Method string           `json:"method"`
	Params []map[string]any `json:"params"`
}

// relayServer answers every request with respond after checking the
// searcher signature.
func relayServer(t *testing.T, respond func(w http.ResponseWriter, call relayCall)) (*httptest.Server, func() []relayCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []relayCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, err := crypto.VerifyRelaySignature(r.Header.Get("X-Flashbots-Signature"), body)
		assert.NoError(t, err)
		var call relayCall
		require.NoError(t, json.Unmarshal(body, &call))
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
		respond(w, call)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []relayCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]relayCall(nil), calls...)
	}
}

func writeResult(w http.ResponseWriter, result string) {
	_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":`+result+`}`)
}

func TestSubmitBundle_Lands(t *testing.T) {
	h := newHarness(t)
	h.chain.receipt = h.settledReceipt(t, types.ReceiptStatusSuccessful)
	srv, calls := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
		writeResult(w, `{"bundleHash":"0xbundle"}`)
	})

	rcpt, err := h.submitter(srv.URL).SubmitBundle(context.Background(), testPlan(h.signer.Address().Hex()), h.signer.Address().Hex())
	require.NoError(t, err)

	require.Len(t, calls(), 1)
	call := calls()[0]
	assert.Equal(t, "eth_sendBundle", call.Method)
	assert.Equal(t, "0x65", call.Params[0]["blockNumber"], "head 100, target 101")
	assert.Len(t, call.Params[0]["txs"], 4)

	assert.Equal(t, "0xbundle", rcpt.BundleHash)
	assert.Equal(t, uint64(101), rcpt.BlockNumber)
	assert.Equal(t, uint64(400_000), rcpt.GasUsed)
	assert.True(t, rcpt.GasCost.Equal(dec("10")), rcpt.GasCost.String())
	assert.True(t, rcpt.RealizedProfit().Equal(dec("4.91")), rcpt.RealizedProfit().String())
}

func TestSubmitBundle_RelayErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.SubmissionKind
	}{
		{"nonce too low", 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"nonce too low"}}`, domain.SubmissionStale},
		{"invalid params", 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid argument 0"}}`, domain.SubmissionMalformed},
		{"overloaded", 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"relay overloaded"}}`, domain.SubmissionTransient},
		{"unavailable", 503, `upstream down`, domain.SubmissionTransient},
		{"rate limited", 429, `slow down`, domain.SubmissionTransient},
		{"bad request", 400, `nope`, domain.SubmissionMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			srv, _ := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := h.submitter(srv.URL).SubmitBundle(context.Background(), testPlan(h.signer.Address().Hex()), h.signer.Address().Hex())
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.SubmissionKindOf(err), err.Error())
		})
	}
}

func TestSubmitBundle_MissedWindowIsTransient(t *testing.T) {
	h := newHarness(t)
	srv, _ := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
		writeResult(w, `{"bundleHash":"0xbundle"}`)
	})
	_, err := h.submitter(srv.URL).SubmitBundle(context.Background(), testPlan(h.signer.Address().Hex()), h.signer.Address().Hex())
	assert.True(t, domain.IsTransient(err), err)
}

func TestSubmitBundle_UnreadableChainIsAmbiguous(t *testing.T) {
	h := newHarness(t)
	h.chain.receipt = func(common.Hash) (*types.Receipt, error) { return nil, errors.New("connection refused") }
	srv, _ := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
		writeResult(w, `{"bundleHash":"0xbundle"}`)
	})
	_, err := h.submitter(srv.URL).SubmitBundle(context.Background(), testPlan(h.signer.Address().Hex()), h.signer.Address().Hex())
	assert.True(t, domain.IsAmbiguous(err), err)
}

func TestSubmitBundle_RevertedLandingIsAmbiguous(t *testing.T) {
	h := newHarness(t)
	h.chain.receipt = h.settledReceipt(t, types.ReceiptStatusFailed)
	srv, _ := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
		writeResult(w, `{"bundleHash":"0xbundle"}`)
	})
	_, err := h.submitter(srv.URL).SubmitBundle(context.Background(), testPlan(h.signer.Address().Hex()), h.signer.Address().Hex())
	assert.True(t, domain.IsAmbiguous(err), err)
}

func TestSubmitBundle_LostSendStillResolvesByChain(t *testing.T) {
	h := newHarness(t)
	h.chain.receipt = h.settledReceipt(t, types.ReceiptStatusSuccessful)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	rcpt, err := h.submitter(srv.URL).SubmitBundle(context.Background(), testPlan(h.signer.Address().Hex()), h.signer.Address().Hex())
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.BundleHash, "falls back to the last tx hash")
}

func TestSubmitBundle_RejectsBeforeSending(t *testing.T) {
	h := newHarness(t)
	srv, calls := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
		writeResult(w, `{"bundleHash":"0xbundle"}`)
	})
	s := h.submitter(srv.URL)
	me := h.signer.Address().Hex()

	_, err := s.SubmitBundle(context.Background(), testPlan(me), "0x00000000000000000000000000000000000000ff")
	assert.True(t, domain.IsMalformed(err), "foreign identity")

	plan := testPlan(me)
	plan.Steps[1].Calldata = nil
	_, err = s.SubmitBundle(context.Background(), plan, me)
	assert.True(t, domain.IsMalformed(err), "missing calldata")

	plan = testPlan(me)
	plan.Deadline = time.Now().Add(-time.Second)
	_, err = s.SubmitBundle(context.Background(), plan, me)
	assert.True(t, domain.IsStale(err), "expired plan")

	assert.Empty(t, calls())
}

func TestSimulate(t *testing.T) {
	h := newHarness(t)
	var revert atomic.Bool
	srv, calls := relayServer(t, func(w http.ResponseWriter, _ relayCall) {
		if revert.Load() {
			writeResult(w, `{"results":[{"txHash":"0x1","gasUsed":21000},{"txHash":"0x2","error":"execution reverted","revert":"HEALTH_FACTOR_OK"}],"totalGasUsed":50000}`)
			return
		}
		writeResult(w, `{"results":[{"txHash":"0x1","gasUsed":21000}],"totalGasUsed":210000}`)
	})
	s := h.submitter(srv.URL)
	me := h.signer.Address().Hex()

	res, err := s.Simulate(context.Background(), testPlan(me), me)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(210_000), res.GasUsed)
	assert.Equal(t, "eth_callBundle", calls()[0].Method)

	revert.Store(true)
	res, err = s.Simulate(context.Background(), testPlan(me), me)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "HEALTH_FACTOR_OK", res.RevertReason)
}

type fakeSim struct {
	res domain.SimulationResult
	err error
}

func (f fakeSim) Simulate(context.Context, domain.OperationPlan, string) (domain.SimulationResult, error) {
	return f.res, f.err
}

func TestDryRun(t *testing.T) {
	plan := testPlan("0xme")

	rcpt, err := NewDryRun(nil, dec("2"), testLogger()).SubmitBundle(context.Background(), plan, "0xme")
	require.NoError(t, err)
	assert.True(t, rcpt.RealizedProfit().Equal(dec("3")), rcpt.RealizedProfit().String())
	assert.True(t, rcpt.FeePaid.Equal(dec("0.09")))

	_, err = NewDryRun(fakeSim{res: domain.SimulationResult{RevertReason: "moved"}}, dec("2"), testLogger()).
		SubmitBundle(context.Background(), plan, "0xme")
	assert.True(t, domain.IsStale(err))

	_, err = NewDryRun(fakeSim{err: errors.New("timeout")}, dec("2"), testLogger()).
		SubmitBundle(context.Background(), plan, "0xme")
	assert.True(t, domain.IsTransient(err))

	plan.Steps = plan.Steps[:3]
	_, err = NewDryRun(nil, dec("2"), testLogger()).SubmitBundle(context.Background(), plan, "0xme")
	assert.True(t, domain.IsMalformed(err))
}

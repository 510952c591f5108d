// Package relay submits flash-loan bundles to a private bundle relay
// (eth_sendBundle) and dry-runs them (eth_callBundle). A bundle lands in one
// block with every transaction or not at all.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/crypto"
	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/platform/chain"
)

// ChainReader is the subset of ethclient.Client the submitter needs.
type ChainReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SettlementDecoder reads the executor's settlement event from receipt logs.
type SettlementDecoder interface {
	DecodeSettled(logs []*types.Log) (chain.SettledAmounts, bool, error)
}

// Config configures the relay submitter.
type Config struct {
	URL     string
	Timeout time.Duration
	// GasPerStep is the gas limit of each bundle transaction.
	GasPerStep uint64
	// InclusionBlocks is how many blocks past the target block the
	// submitter keeps looking for the bundle before calling it missed.
	InclusionBlocks uint64
	PollInterval    time.Duration
	// MaxWait bounds the inclusion wait. Running out of it without an
	// answer leaves the bundle ambiguous.
	MaxWait     time.Duration
	NativePrice decimal.Decimal
}

// Submitter implements domain.SignerSubmitter and domain.Simulator.
type Submitter struct {
	cfg     Config
	rpc     *rpcClient
	chain   ChainReader
	signer  *crypto.Signer
	decoder SettlementDecoder
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates a Submitter.
func New(cfg Config, chainReader ChainReader, signer *crypto.Signer, decoder SettlementDecoder, logger *slog.Logger) *Submitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.GasPerStep == 0 {
		cfg.GasPerStep = 500_000
	}
	if cfg.InclusionBlocks == 0 {
		cfg.InclusionBlocks = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Minute
	}
	return &Submitter{
		cfg:     cfg,
		rpc:     &rpcClient{url: cfg.URL, http: &http.Client{Timeout: cfg.Timeout}, signer: signer},
		chain:   chainReader,
		signer:  signer,
		decoder: decoder,
		logger:  logger.With(slog.String("component", "relay")),
		nowFn:   time.Now,
	}
}

type bundle struct {
	raw    []string
	hashes []common.Hash
	target uint64
}

// build signs one transaction per step with consecutive nonces, targeting
// the next block.
func (s *Submitter) build(ctx context.Context, plan domain.OperationPlan, identity string) (bundle, error) {
	if !strings.EqualFold(identity, s.signer.Address().Hex()) {
		return bundle{}, domain.NewSubmissionError(domain.SubmissionMalformed, "build",
			fmt.Errorf("identity %s is not the signer %s", identity, s.signer.Address().Hex()))
	}
	if !plan.Deadline.IsZero() && s.nowFn().After(plan.Deadline) {
		return bundle{}, domain.NewSubmissionError(domain.SubmissionStale, "build", errors.New("plan deadline passed"))
	}

	nonce, err := s.chain.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return bundle{}, classify("nonce", fmt.Errorf("%w: %w", errNoResponse, err))
	}
	gasPrice, err := s.chain.SuggestGasPrice(ctx)
	if err != nil {
		return bundle{}, classify("gas price", fmt.Errorf("%w: %w", errNoResponse, err))
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return bundle{}, classify("block number", fmt.Errorf("%w: %w", errNoResponse, err))
	}

	b := bundle{target: head + 1}
	for i, step := range plan.Steps {
		if len(step.Calldata) == 0 || !common.IsHexAddress(step.Target) {
			return bundle{}, domain.NewSubmissionError(domain.SubmissionMalformed, "build",
				fmt.Errorf("step %d (%s) has no calldata or target", i, step.Action))
		}
		to := common.HexToAddress(step.Target)
		tx, err := s.signer.SignTx(types.NewTx(&types.LegacyTx{
			Nonce:    nonce + uint64(i),
			To:       &to,
			Gas:      s.cfg.GasPerStep,
			GasPrice: gasPrice,
			Value:    big.NewInt(0),
			Data:     step.Calldata,
		}))
		if err != nil {
			return bundle{}, classify("sign", err)
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return bundle{}, domain.NewSubmissionError(domain.SubmissionMalformed, "encode", err)
		}
		b.raw = append(b.raw, hexutil.Encode(raw))
		b.hashes = append(b.hashes, tx.Hash())
	}
	return b, nil
}

type callBundleResult struct {
	Results []struct {
		TxHash  string `json:"txHash"`
		GasUsed uint64 `json:"gasUsed"`
		Error   string `json:"error"`
		Revert  string `json:"revert"`
	} `json:"results"`
	TotalGasUsed uint64 `json:"totalGasUsed"`
}

// Simulate runs the bundle through eth_callBundle against the latest state.
func (s *Submitter) Simulate(ctx context.Context, plan domain.OperationPlan, identity string) (domain.SimulationResult, error) {
	b, err := s.build(ctx, plan, identity)
	if err != nil {
		return domain.SimulationResult{}, err
	}
	var res callBundleResult
	err = s.rpc.call(ctx, "eth_callBundle", []any{map[string]any{
		"txs":              b.raw,
		"blockNumber":      hexutil.EncodeUint64(b.target),
		"stateBlockNumber": "latest",
	}}, &res)
	if err != nil {
		return domain.SimulationResult{}, classify("eth_callBundle", err)
	}

	out := domain.SimulationResult{Success: true, GasUsed: res.TotalGasUsed}
	for _, r := range res.Results {
		if r.Error != "" || r.Revert != "" {
			out.Success = false
			out.RevertReason = r.Revert
			if out.RevertReason == "" {
				out.RevertReason = r.Error
			}
			break
		}
	}
	return out, nil
}

type sendBundleResult struct {
	BundleHash string `json:"bundleHash"`
}

// SubmitBundle sends the bundle and waits for it to land or miss its
// window. Once the send may have reached the relay, only a confirmed miss
// or a confirmed inclusion resolves it; anything else is ambiguous.
func (s *Submitter) SubmitBundle(ctx context.Context, plan domain.OperationPlan, identity string) (domain.Receipt, error) {
	b, err := s.build(ctx, plan, identity)
	if err != nil {
		return domain.Receipt{}, err
	}
	log := s.logger.With(
		slog.String("opportunity_id", plan.OpportunityID),
		slog.Uint64("target_block", b.target),
	)

	var sent sendBundleResult
	err = s.rpc.call(ctx, "eth_sendBundle", []any{map[string]any{
		"txs":         b.raw,
		"blockNumber": hexutil.EncodeUint64(b.target),
	}}, &sent)
	if err != nil && !errors.Is(err, errNoResponse) {
		return domain.Receipt{}, classify("eth_sendBundle", err)
	}
	if err != nil {
		log.WarnContext(ctx, "bundle send outcome unknown, watching chain", slog.String("error", err.Error()))
	} else {
		log.InfoContext(ctx, "bundle sent", slog.String("bundle_hash", sent.BundleHash))
	}

	// The bundle is on its way; the caller's deadline no longer applies.
	return s.await(context.WithoutCancel(ctx), log, b, sent.BundleHash)
}

func (s *Submitter) await(ctx context.Context, log *slog.Logger, b bundle, bundleHash string) (domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MaxWait)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipts, included, err := s.receipts(ctx, b.hashes)
		switch {
		case err != nil:
			lastErr = err
		case included:
			return s.toReceipt(receipts, bundleHash)
		default:
			head, err := s.chain.BlockNumber(ctx)
			if err != nil {
				lastErr = err
				break
			}
			if head > b.target+s.cfg.InclusionBlocks {
				log.InfoContext(ctx, "bundle not included", slog.Uint64("head", head))
				return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionTransient, "inclusion",
					fmt.Errorf("bundle missed blocks %d..%d", b.target, b.target+s.cfg.InclusionBlocks))
			}
		}

		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionAmbiguous, "inclusion", lastErr)
		case <-ticker.C:
		}
	}
}

// receipts reports inclusion by the last transaction, then loads every
// receipt. A partially visible bundle is an error to retry, not a miss.
func (s *Submitter) receipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, bool, error) {
	last, err := s.chain.TransactionReceipt(ctx, hashes[len(hashes)-1])
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("receipt: %w", err)
	}
	out := make([]*types.Receipt, 0, len(hashes))
	for _, h := range hashes[:len(hashes)-1] {
		r, err := s.chain.TransactionReceipt(ctx, h)
		if err != nil {
			return nil, false, fmt.Errorf("receipt %s: %w", h.Hex(), err)
		}
		out = append(out, r)
	}
	return append(out, last), true, nil
}

func (s *Submitter) toReceipt(receipts []*types.Receipt, bundleHash string) (domain.Receipt, error) {
	var (
		gasUsed uint64
		gasWei  = new(big.Int)
		logs    []*types.Log
	)
	for _, r := range receipts {
		if r.Status != types.ReceiptStatusSuccessful {
			return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionAmbiguous, "receipt",
				fmt.Errorf("landed transaction %s reverted", r.TxHash.Hex()))
		}
		gasUsed += r.GasUsed
		if r.EffectiveGasPrice != nil {
			gasWei.Add(gasWei, new(big.Int).Mul(r.EffectiveGasPrice, new(big.Int).SetUint64(r.GasUsed)))
		}
		logs = append(logs, r.Logs...)
	}

	amounts, ok, err := s.decoder.DecodeSettled(logs)
	if err != nil || !ok {
		if err == nil {
			err = errors.New("no settlement event")
		}
		return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionAmbiguous, "receipt", err)
	}

	last := receipts[len(receipts)-1]
	rcpt := domain.Receipt{
		BundleHash:    bundleHash,
		GasUsed:       gasUsed,
		GasCost:       chain.WeiToQuote(gasWei, s.cfg.NativePrice),
		ProceedsValue: amounts.Proceeds,
		BorrowedValue: amounts.Borrowed,
		FeePaid:       amounts.Fee,
		IncludedAt:    s.nowFn(),
	}
	if last.BlockNumber != nil {
		rcpt.BlockNumber = last.BlockNumber.Uint64()
	}
	if rcpt.BundleHash == "" {
		rcpt.BundleHash = last.TxHash.Hex()
	}
	return rcpt, nil
}

var (
	_ domain.SignerSubmitter = (*Submitter)(nil)
	_ domain.Simulator       = (*Submitter)(nil)
)

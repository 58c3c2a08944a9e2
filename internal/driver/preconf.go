package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/domain/model"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const whitelistABI = `[
  {"type":"function","name":"getOperatorForCurrentEpoch","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getOperatorForNextEpoch","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getOperatorCandidatesForCurrentEpoch","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"address[]"}]}
]`

// ContractCaller executes read-only calls against L1.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PreconfStore persists sampled preconfirmation data.
type PreconfStore interface {
	InsertPreconfData(ctx context.Context, d model.PreconfData) error
}

// PreconfTracker samples the preconf whitelist at every L1 head and stores
// the operator view for that slot.
type PreconfTracker struct {
	caller    ContractCaller
	whitelist common.Address
	abi       abi.ABI
	store     PreconfStore
	policy    retry.Policy
	logger    *slog.Logger
}

func NewPreconfTracker(caller ContractCaller, whitelist common.Address, store PreconfStore, logger *slog.Logger) (*PreconfTracker, error) {
	parsed, err := abi.JSON(strings.NewReader(whitelistABI))
	if err != nil {
		return nil, fmt.Errorf("parse whitelist abi: %w", err)
	}
	return &PreconfTracker{
		caller:    caller,
		whitelist: whitelist,
		abi:       parsed,
		store:     store,
		policy:    retry.TransportPolicy("preconf_whitelist"),
		logger:    logger.With("component", "preconf_tracker"),
	}, nil
}

// OnL1Header reads the whitelist state as of h and stores it.
func (p *PreconfTracker) OnL1Header(ctx context.Context, h event.L1Header) error {
	block := new(big.Int).SetUint64(h.Number)

	current, err := p.callAddress(ctx, "getOperatorForCurrentEpoch", block)
	if err != nil {
		return err
	}
	next, err := p.callAddress(ctx, "getOperatorForNextEpoch", block)
	if err != nil {
		return err
	}
	out, err := p.call(ctx, "getOperatorCandidatesForCurrentEpoch", block)
	if err != nil {
		return err
	}
	candidates, ok := out[0].([]common.Address)
	if !ok {
		return retry.Wrap(retry.KindSerialization, fmt.Errorf("candidates: unexpected type %T", out[0]))
	}

	data := model.PreconfData{
		Slot:            h.Slot,
		Candidates:      candidates,
		CurrentOperator: current,
		NextOperator:    next,
	}
	if err := p.store.InsertPreconfData(ctx, data); err != nil {
		return fmt.Errorf("insert preconf data for slot %d: %w", h.Slot, err)
	}
	p.logger.Debug("preconf data stored",
		"slot", h.Slot,
		"current_operator", current,
		"next_operator", next,
		"candidates", len(candidates),
	)
	return nil
}

func (p *PreconfTracker) callAddress(ctx context.Context, method string, block *big.Int) (common.Address, error) {
	out, err := p.call(ctx, method, block)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, retry.Wrap(retry.KindSerialization, fmt.Errorf("%s: unexpected type %T", method, out[0]))
	}
	return addr, nil
}

func (p *PreconfTracker) call(ctx context.Context, method string, block *big.Int) ([]any, error) {
	input, err := p.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &p.whitelist, Data: input}

	raw, err := retry.DoValue(ctx, p.policy, func(ctx context.Context) ([]byte, error) {
		return p.caller.CallContract(ctx, msg, block)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	out, err := p.abi.Unpack(method, raw)
	if err != nil {
		return nil, retry.Wrap(retry.KindSerialization, fmt.Errorf("unpack %s: %w", method, err))
	}
	if len(out) == 0 {
		return nil, retry.Wrap(retry.KindNullResponse, fmt.Errorf("%s returned nothing", method))
	}
	return out, nil
}

package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chainbound/taikoscope-sub001/internal/domain/event"
	"github.com/chainbound/taikoscope-sub001/internal/retry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// inboxABI is the subset of the inbox contract's events the driver consumes.
const inboxABI = `[
  {"type":"event","name":"BatchProposed","anonymous":false,"inputs":[
    {"name":"batchId","type":"uint64","indexed":true},
    {"name":"proposer","type":"address","indexed":true},
    {"name":"lastBlockId","type":"uint64","indexed":false}]},
  {"type":"event","name":"BatchesProved","anonymous":false,"inputs":[
    {"name":"verifier","type":"address","indexed":false},
    {"name":"batchIds","type":"uint64[]","indexed":false}]},
  {"type":"event","name":"BatchesVerified","anonymous":false,"inputs":[
    {"name":"batchId","type":"uint64","indexed":false},
    {"name":"blockHash","type":"bytes32","indexed":false}]},
  {"type":"event","name":"ForcedInclusionProcessed","anonymous":false,"inputs":[
    {"name":"blobHash","type":"bytes32","indexed":false},
    {"name":"createdAtBatchId","type":"uint64","indexed":false}]}
]`

// ErrUnknownEvent is returned for logs whose signature is not in the inbox ABI.
var ErrUnknownEvent = errors.New("unknown inbox event")

// LogDecoder turns inbox logs into driver events.
type LogDecoder struct {
	abi abi.ABI
}

func NewLogDecoder() (*LogDecoder, error) {
	parsed, err := abi.JSON(strings.NewReader(inboxABI))
	if err != nil {
		return nil, fmt.Errorf("parse inbox abi: %w", err)
	}
	return &LogDecoder{abi: parsed}, nil
}

// Topics returns the event signatures to filter the log subscription on.
func (d *LogDecoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.abi.Events))
	for _, name := range []string{"BatchProposed", "BatchesProved", "BatchesVerified", "ForcedInclusionProcessed"} {
		topics = append(topics, d.abi.Events[name].ID)
	}
	return topics
}

// Decode converts one log. Malformed payloads are serialization errors.
func (d *LogDecoder) Decode(log types.Log) (event.DriverEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	ev, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}

	fields := make(map[string]any)
	if err := d.abi.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
		return nil, retry.Wrap(retry.KindSerialization, fmt.Errorf("unpack %s data: %w", ev.Name, err))
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 {
		if len(log.Topics) != len(indexed)+1 {
			return nil, retry.Wrap(retry.KindSerialization,
				fmt.Errorf("%s: expected %d topics, got %d", ev.Name, len(indexed)+1, len(log.Topics)))
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
			return nil, retry.Wrap(retry.KindSerialization, fmt.Errorf("parse %s topics: %w", ev.Name, err))
		}
	}

	f := fieldReader{event: ev.Name, fields: fields}
	var out event.DriverEvent
	switch ev.Name {
	case "BatchProposed":
		out = event.BatchProposed{
			BatchID:       f.u64("batchId"),
			Proposer:      f.addr("proposer"),
			LastBlockID:   f.u64("lastBlockId"),
			L1BlockNumber: log.BlockNumber,
			L1TxHash:      log.TxHash,
		}
	case "BatchesProved":
		out = event.NewBatchesProved(log.BlockNumber, f.addr("verifier"), f.u64s("batchIds"))
	case "BatchesVerified":
		out = event.BatchesVerified{
			BlockNumber: log.BlockNumber,
			BatchID:     f.u64("batchId"),
			BlockHash:   f.bytes32("blockHash"),
		}
	case "ForcedInclusionProcessed":
		out = event.ForcedInclusion{
			BlobHash:         f.bytes32("blobHash"),
			CreatedAtBatchID: f.u64("createdAtBatchId"),
			L1BlockNumber:    log.BlockNumber,
		}
	default:
		return nil, ErrUnknownEvent
	}
	if f.err != nil {
		return nil, retry.Wrap(retry.KindSerialization, f.err)
	}
	return out, nil
}

// fieldReader keeps the first type mismatch so Decode can check once.
type fieldReader struct {
	event  string
	fields map[string]any
	err    error
}

func (r *fieldReader) mismatch(name string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s.%s: unexpected type %T", r.event, name, v)
	}
}

func (r *fieldReader) u64(name string) uint64 {
	v, ok := r.fields[name].(uint64)
	if !ok {
		r.mismatch(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) u64s(name string) []uint64 {
	v, ok := r.fields[name].([]uint64)
	if !ok {
		r.mismatch(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) addr(name string) common.Address {
	v, ok := r.fields[name].(common.Address)
	if !ok {
		r.mismatch(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) bytes32(name string) common.Hash {
	v, ok := r.fields[name].([32]byte)
	if !ok {
		r.mismatch(name, r.fields[name])
	}
	return common.Hash(v)
}

// Package contract provides ABI bindings for the Jouleverse audit contracts.
// Only the canonical AuditPoints interface is bound; the earlier
// tokenId/basis-point layout is not supported.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Jouleverse/audit/internal/model"
)

// Ledger contract errors
var (
	ErrEmptyBatch      = errors.New("empty batch")
	ErrPayloadMismatch = errors.New("batch arrays have different lengths")
	ErrUnknownEvent    = errors.New("unknown ledger event")
	ErrPointsOverflow  = errors.New("points do not fit in uint64")
)

// Event names.
const (
	EventDailyRecorded         = "DailyRecorded"
	EventDailyRecordOverridden = "DailyRecordOverridden"
)

// LedgerABI is the ABI of the AuditPoints ledger contract.
//
//	function recordBatch(uint32[] coreIds, uint32[] dates, uint8[] nodeTypes, bool[] livenesses, bool[] checkins, uint256[] points) external;
//	function getCoreDailyRecords(uint32 coreId, uint32 date) external view returns (bool,bool,bool,uint256,bool,bool,bool,uint256);
//	event DailyRecorded(uint32 indexed coreId, uint32 indexed date, uint8 indexed nodeType, bool liveness, bool checkin, uint256 points);
//	event DailyRecordOverridden(uint32 indexed coreId, uint32 indexed date, uint8 indexed nodeType, bool liveness, bool checkin, uint256 points);
const LedgerABI = `[
	{
		"type": "function",
		"name": "recordBatch",
		"inputs": [
			{"name": "coreIds", "type": "uint32[]"},
			{"name": "dates", "type": "uint32[]"},
			{"name": "nodeTypes", "type": "uint8[]"},
			{"name": "livenesses", "type": "bool[]"},
			{"name": "checkins", "type": "bool[]"},
			{"name": "points", "type": "uint256[]"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getCoreDailyRecords",
		"inputs": [
			{"name": "coreId", "type": "uint32"},
			{"name": "date", "type": "uint32"}
		],
		"outputs": [
			{"name": "minerExists", "type": "bool"},
			{"name": "minerLiveness", "type": "bool"},
			{"name": "minerCheckin", "type": "bool"},
			{"name": "minerPoints", "type": "uint256"},
			{"name": "witnessExists", "type": "bool"},
			{"name": "witnessLiveness", "type": "bool"},
			{"name": "witnessCheckin", "type": "bool"},
			{"name": "witnessPoints", "type": "uint256"}
		],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "DailyRecorded",
		"inputs": [
			{"name": "coreId", "type": "uint32", "indexed": true},
			{"name": "date", "type": "uint32", "indexed": true},
			{"name": "nodeType", "type": "uint8", "indexed": true},
			{"name": "liveness", "type": "bool", "indexed": false},
			{"name": "checkin", "type": "bool", "indexed": false},
			{"name": "points", "type": "uint256", "indexed": false}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "DailyRecordOverridden",
		"inputs": [
			{"name": "coreId", "type": "uint32", "indexed": true},
			{"name": "date", "type": "uint32", "indexed": true},
			{"name": "nodeType", "type": "uint8", "indexed": true},
			{"name": "liveness", "type": "bool", "indexed": false},
			{"name": "checkin", "type": "bool", "indexed": false},
			{"name": "points", "type": "uint256", "indexed": false}
		],
		"anonymous": false
	}
]`

// LedgerBackend is the subset of the chain client used by the ledger binding.
type LedgerBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
}

// coreDailyRecords mirrors the getCoreDailyRecords outputs.
type coreDailyRecords struct {
	MinerExists     bool
	MinerLiveness   bool
	MinerCheckin    bool
	MinerPoints     *big.Int
	WitnessExists   bool
	WitnessLiveness bool
	WitnessCheckin  bool
	WitnessPoints   *big.Int
}

// dailyRecordData is the non-indexed part of both ledger events.
type dailyRecordData struct {
	Liveness bool
	Checkin  bool
	Points   *big.Int
}

// LedgerContract provides methods to interact with the AuditPoints contract.
type LedgerContract struct {
	address common.Address
	abi     abi.ABI
	backend LedgerBackend
}

// NewLedgerContract creates a new ledger contract instance.
func NewLedgerContract(address common.Address, backend LedgerBackend) (*LedgerContract, error) {
	parsed, err := abi.JSON(strings.NewReader(LedgerABI))
	if err != nil {
		return nil, err
	}

	return &LedgerContract{
		address: address,
		abi:     parsed,
		backend: backend,
	}, nil
}

// Address returns the contract address.
func (c *LedgerContract) Address() common.Address {
	return c.address
}

// PackRecordBatch packs the recordBatch call data.
func (c *LedgerContract) PackRecordBatch(p *model.BatchPayload) ([]byte, error) {
	if p == nil || p.Len() == 0 {
		return nil, ErrEmptyBatch
	}
	n := p.Len()
	if len(p.Dates) != n || len(p.NodeTypes) != n || len(p.Livenesses) != n ||
		len(p.Checkins) != n || len(p.Points) != n {
		return nil, ErrPayloadMismatch
	}

	points := make([]*big.Int, n)
	for i, v := range p.Points {
		points[i] = new(big.Int).SetUint64(v)
	}
	return c.abi.Pack("recordBatch", p.CoreIDs, p.Dates, p.NodeTypes, p.Livenesses, p.Checkins, points)
}

// GetCoreDailyRecords reads both role records of a participant for one date.
func (c *LedgerContract) GetCoreDailyRecords(ctx context.Context, coreID uint32, date model.BusinessDate) (*model.DailyRecordPair, error) {
	data, err := c.abi.Pack("getCoreDailyRecords", coreID, date.Uint32())
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var out coreDailyRecords
	if err := c.abi.UnpackIntoInterface(&out, "getCoreDailyRecords", result); err != nil {
		return nil, err
	}

	minerPoints, err := toUint64(out.MinerPoints)
	if err != nil {
		return nil, err
	}
	witnessPoints, err := toUint64(out.WitnessPoints)
	if err != nil {
		return nil, err
	}

	return &model.DailyRecordPair{
		MinerExists:     out.MinerExists,
		MinerLiveness:   out.MinerLiveness,
		MinerCheckin:    out.MinerCheckin,
		MinerPoints:     minerPoints,
		WitnessExists:   out.WitnessExists,
		WitnessLiveness: out.WitnessLiveness,
		WitnessCheckin:  out.WitnessCheckin,
		WitnessPoints:   witnessPoints,
	}, nil
}

// LogFilter selects ledger events in a block range.
type LogFilter struct {
	FromBlock uint64
	// ToBlock 0 means latest.
	ToBlock uint64
	// Date restricts the date topic when non-zero.
	Date model.BusinessDate
	// IncludeOverrides also matches DailyRecordOverridden.
	IncludeOverrides bool
}

// Query builds the eth_getLogs filter.
func (c *LedgerContract) Query(f LogFilter) ethereum.FilterQuery {
	events := []common.Hash{c.DailyRecordedEventTopic()}
	if f.IncludeOverrides {
		events = append(events, c.DailyRecordOverriddenEventTopic())
	}

	topics := [][]common.Hash{events}
	if f.Date != 0 {
		topics = append(topics, nil, []common.Hash{uint32Topic(f.Date.Uint32())})
	}

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(f.FromBlock),
		Addresses: []common.Address{c.address},
		Topics:    topics,
	}
	if f.ToBlock != 0 {
		q.ToBlock = new(big.Int).SetUint64(f.ToBlock)
	}
	return q
}

// FilterRecords fetches and decodes ledger events matching the filter.
func (c *LedgerContract) FilterRecords(ctx context.Context, f LogFilter) ([]model.LedgerEntry, error) {
	logs, err := c.backend.FilterLogs(ctx, c.Query(f))
	if err != nil {
		return nil, err
	}

	entries := make([]model.LedgerEntry, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		entry, err := c.ParseLog(l)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// ParseLog parses a DailyRecorded or DailyRecordOverridden event from a log.
func (c *LedgerContract) ParseLog(log types.Log) (*model.LedgerEntry, error) {
	if len(log.Topics) < 4 {
		return nil, fmt.Errorf("not enough topics for ledger event: %d", len(log.Topics))
	}

	var name string
	switch log.Topics[0] {
	case c.DailyRecordedEventTopic():
		name = EventDailyRecorded
	case c.DailyRecordOverriddenEventTopic():
		name = EventDailyRecordOverridden
	default:
		return nil, ErrUnknownEvent
	}

	// Parse non-indexed fields from data
	var data dailyRecordData
	if err := c.abi.UnpackIntoInterface(&data, name, log.Data); err != nil {
		return nil, err
	}
	points, err := toUint64(data.Points)
	if err != nil {
		return nil, err
	}

	return &model.LedgerEntry{
		Record: model.DailyRecord{
			ParticipantID: topicUint32(log.Topics[1]),
			Date:          model.BusinessDate(topicUint32(log.Topics[2])),
			Role:          model.Role(topicUint32(log.Topics[3])),
			Alive:         data.Liveness,
			CheckedIn:     data.Checkin,
			Points:        points,
		},
		Exists:      true,
		Override:    name == EventDailyRecordOverridden,
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
	}, nil
}

// DailyRecordedEventTopic returns the topic for DailyRecorded events.
func (c *LedgerContract) DailyRecordedEventTopic() common.Hash {
	return c.abi.Events[EventDailyRecorded].ID
}

// DailyRecordOverriddenEventTopic returns the topic for DailyRecordOverridden events.
func (c *LedgerContract) DailyRecordOverriddenEventTopic() common.Hash {
	return c.abi.Events[EventDailyRecordOverridden].ID
}

func uint32Topic(v uint32) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(uint64(v)))
}

func topicUint32(h common.Hash) uint32 {
	return uint32(new(big.Int).SetBytes(h.Bytes()).Uint64())
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, ErrPointsOverflow
	}
	return v.Uint64(), nil
}

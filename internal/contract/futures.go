// Package contract provides the ABI binding for the Futures contract: event
// decoding, call packing and revert classification.
package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos-futures/internal/model"
)

// Futures contract errors
var (
	ErrUnknownEvent     = errors.New("unknown futures event")
	ErrValueOutOfRange  = errors.New("value out of int64 range")
	ErrInvalidBetID     = errors.New("invalid bet id")
	ErrMalformedLogData = errors.New("malformed log data")
)

// FuturesABI is the subset of the Futures contract ABI used by the mirror:
//
//	function closeBet(uint256 betId) external;
//	event BetOpened(uint256 betId, address userA, uint8 side, uint256 betAmount, uint256 expirationTime, uint256 closingTime);
//	event BetJoined(uint256 betId, address userB);
//	event BetClosed(uint256 betId, address winner);
//
// All event parameters are non-indexed, so every field comes from log data.
const FuturesABI = `[
	{
		"type": "function",
		"name": "closeBet",
		"inputs": [
			{"name": "betId", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "BetOpened",
		"anonymous": false,
		"inputs": [
			{"name": "betId", "type": "uint256", "indexed": false},
			{"name": "userA", "type": "address", "indexed": false},
			{"name": "side", "type": "uint8", "indexed": false},
			{"name": "betAmount", "type": "uint256", "indexed": false},
			{"name": "expirationTime", "type": "uint256", "indexed": false},
			{"name": "closingTime", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "BetJoined",
		"anonymous": false,
		"inputs": [
			{"name": "betId", "type": "uint256", "indexed": false},
			{"name": "userB", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "BetClosed",
		"anonymous": false,
		"inputs": [
			{"name": "betId", "type": "uint256", "indexed": false},
			{"name": "winner", "type": "address", "indexed": false}
		]
	}
]`

const (
	EventBetOpened = "BetOpened"
	EventBetJoined = "BetJoined"
	EventBetClosed = "BetClosed"

	MethodCloseBet = "closeBet"
)

// BetOpenedEvent represents the BetOpened event from the contract.
type BetOpenedEvent struct {
	BetID          *big.Int       `abi:"betId"`
	UserA          common.Address `abi:"userA"`
	Side           uint8          `abi:"side"`
	BetAmount      *big.Int       `abi:"betAmount"`
	ExpirationTime *big.Int       `abi:"expirationTime"`
	ClosingTime    *big.Int       `abi:"closingTime"`
	Raw            types.Log
}

// BetJoinedEvent represents the BetJoined event from the contract.
type BetJoinedEvent struct {
	BetID *big.Int       `abi:"betId"`
	UserB common.Address `abi:"userB"`
	Raw   types.Log
}

// BetClosedEvent represents the BetClosed event from the contract.
type BetClosedEvent struct {
	BetID  *big.Int       `abi:"betId"`
	Winner common.Address `abi:"winner"`
	Raw    types.Log
}

// FuturesContract provides methods to interact with the Futures contract.
type FuturesContract struct {
	address common.Address
	abi     abi.ABI
}

// NewFuturesContract creates a new Futures contract binding.
func NewFuturesContract(address common.Address) (*FuturesContract, error) {
	parsed, err := abi.JSON(strings.NewReader(FuturesABI))
	if err != nil {
		return nil, err
	}
	return &FuturesContract{
		address: address,
		abi:     parsed,
	}, nil
}

// Address returns the contract address.
func (c *FuturesContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *FuturesContract) ABI() abi.ABI {
	return c.abi
}

// EventTopic returns the topic0 of the named event.
func (c *FuturesContract) EventTopic(name string) common.Hash {
	return c.abi.Events[name].ID
}

// Topics returns the topic0 set of every mirrored event.
func (c *FuturesContract) Topics() []common.Hash {
	return []common.Hash{
		c.EventTopic(EventBetOpened),
		c.EventTopic(EventBetJoined),
		c.EventTopic(EventBetClosed),
	}
}

// FilterQuery builds a log filter over all mirrored events of the contract.
// A nil bound means open-ended on that side.
func (c *FuturesContract) FilterQuery(from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{c.Topics()},
	}
}

// PackCloseBet packs the closeBet function call data.
func (c *FuturesContract) PackCloseBet(betID int64) ([]byte, error) {
	if betID < 0 {
		return nil, ErrInvalidBetID
	}
	return c.abi.Pack(MethodCloseBet, big.NewInt(betID))
}

// ParseBetOpened parses a BetOpened event from a log.
func (c *FuturesContract) ParseBetOpened(log types.Log) (*BetOpenedEvent, error) {
	event := &BetOpenedEvent{Raw: log}
	if err := c.abi.UnpackIntoInterface(event, EventBetOpened, log.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLogData, err)
	}
	return event, nil
}

// ParseBetJoined parses a BetJoined event from a log.
func (c *FuturesContract) ParseBetJoined(log types.Log) (*BetJoinedEvent, error) {
	event := &BetJoinedEvent{Raw: log}
	if err := c.abi.UnpackIntoInterface(event, EventBetJoined, log.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLogData, err)
	}
	return event, nil
}

// ParseBetClosed parses a BetClosed event from a log.
func (c *FuturesContract) ParseBetClosed(log types.Log) (*BetClosedEvent, error) {
	event := &BetClosedEvent{Raw: log}
	if err := c.abi.UnpackIntoInterface(event, EventBetClosed, log.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedLogData, err)
	}
	return event, nil
}

// DecodeLog decodes any mirrored event into the store-facing event form.
func (c *FuturesContract) DecodeLog(log types.Log) (*model.AgreementEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	var (
		out *model.AgreementEvent
		err error
	)
	switch log.Topics[0] {
	case c.EventTopic(EventBetOpened):
		out, err = c.decodeOpened(log)
	case c.EventTopic(EventBetJoined):
		out, err = c.decodeJoined(log)
	case c.EventTopic(EventBetClosed):
		out, err = c.decodeClosed(log)
	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	if err != nil {
		return nil, err
	}

	out.BlockNumber = log.BlockNumber
	out.BlockHash = log.BlockHash.Hex()
	out.TxHash = log.TxHash.Hex()
	out.LogIndex = log.Index
	out.Removed = log.Removed
	return out, nil
}

func (c *FuturesContract) decodeOpened(log types.Log) (*model.AgreementEvent, error) {
	ev, err := c.ParseBetOpened(log)
	if err != nil {
		return nil, err
	}
	betID, err := toInt64("betId", ev.BetID)
	if err != nil {
		return nil, err
	}
	expiration, err := toInt64("expirationTime", ev.ExpirationTime)
	if err != nil {
		return nil, err
	}
	closing, err := toInt64("closingTime", ev.ClosingTime)
	if err != nil {
		return nil, err
	}
	if ev.BetAmount == nil {
		return nil, ErrMalformedLogData
	}

	return &model.AgreementEvent{
		Type:           model.ChainEventTypeBetOpened,
		BetID:          betID,
		Initiator:      ev.UserA.Hex(),
		Side:           model.Side(ev.Side),
		Amount:         decimal.NewFromBigInt(ev.BetAmount, 0),
		ExpirationTime: expiration,
		ClosingTime:    closing,
	}, nil
}

func (c *FuturesContract) decodeJoined(log types.Log) (*model.AgreementEvent, error) {
	ev, err := c.ParseBetJoined(log)
	if err != nil {
		return nil, err
	}
	betID, err := toInt64("betId", ev.BetID)
	if err != nil {
		return nil, err
	}
	return &model.AgreementEvent{
		Type:         model.ChainEventTypeBetJoined,
		BetID:        betID,
		Counterparty: ev.UserB.Hex(),
	}, nil
}

func (c *FuturesContract) decodeClosed(log types.Log) (*model.AgreementEvent, error) {
	ev, err := c.ParseBetClosed(log)
	if err != nil {
		return nil, err
	}
	betID, err := toInt64("betId", ev.BetID)
	if err != nil {
		return nil, err
	}
	return &model.AgreementEvent{
		Type:   model.ChainEventTypeBetClosed,
		BetID:  betID,
		Winner: ev.Winner.Hex(),
	}, nil
}

// toInt64 narrows a uint256 field; ids and timestamps fit int64 in practice.
func toInt64(field string, v *big.Int) (int64, error) {
	if v == nil || !v.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrValueOutOfRange, field)
	}
	return v.Int64(), nil
}

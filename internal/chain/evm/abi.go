package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABI fragments for the two bridge contracts. Only the surface the relay
// drives is bound; governance and fee functions are intentionally absent.
const initiatorABIJSON = `[
  {"type":"function","name":"completeBridgeTransfer","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"},
    {"name":"preImage","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refundBridgeTransfer","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"BridgeTransferInitiated","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},
    {"name":"originator","type":"address","indexed":true},
    {"name":"recipient","type":"bytes","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"hashLock","type":"bytes32","indexed":false},
    {"name":"timeLock","type":"uint256","indexed":false}]},
  {"type":"event","name":"BridgeTransferCompleted","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},
    {"name":"preImage","type":"bytes32","indexed":false}]},
  {"type":"event","name":"BridgeTransferRefunded","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true}]}
]`

const counterpartyABIJSON = `[
  {"type":"function","name":"lockBridgeTransfer","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"},
    {"name":"hashLock","type":"bytes32"},
    {"name":"timeLock","type":"uint256"},
    {"name":"recipient","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"abortBridgeTransfer","stateMutability":"nonpayable","inputs":[
    {"name":"transferId","type":"bytes32"}],"outputs":[]},
  {"type":"event","name":"BridgeTransferLocked","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"hashLock","type":"bytes32","indexed":false},
    {"name":"timeLock","type":"uint256","indexed":false}]},
  {"type":"event","name":"BridgeTransferClaimed","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true},
    {"name":"preImage","type":"bytes32","indexed":false}]},
  {"type":"event","name":"BridgeTransferAborted","inputs":[
    {"name":"transferId","type":"bytes32","indexed":true}]}
]`

var (
	initiatorABI    abi.ABI
	counterpartyABI abi.ABI

	// Event topic hashes, precomputed for log dispatch.
	topicInitiated common.Hash
	topicCompleted common.Hash
	topicRefunded  common.Hash
	topicLocked    common.Hash
	topicClaimed   common.Hash
	topicAborted   common.Hash
)

func init() {
	var err error
	initiatorABI, err = abi.JSON(strings.NewReader(initiatorABIJSON))
	if err != nil {
		panic("evm: invalid initiator ABI: " + err.Error())
	}
	counterpartyABI, err = abi.JSON(strings.NewReader(counterpartyABIJSON))
	if err != nil {
		panic("evm: invalid counterparty ABI: " + err.Error())
	}

	topicInitiated = initiatorABI.Events["BridgeTransferInitiated"].ID
	topicCompleted = initiatorABI.Events["BridgeTransferCompleted"].ID
	topicRefunded = initiatorABI.Events["BridgeTransferRefunded"].ID
	topicLocked = counterpartyABI.Events["BridgeTransferLocked"].ID
	topicClaimed = counterpartyABI.Events["BridgeTransferClaimed"].ID
	topicAborted = counterpartyABI.Events["BridgeTransferAborted"].ID
}

/*
Copyright 2024 The Bootnode Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tiers

// DefaultComputeUnits is charged for any method not in the catalog.
const DefaultComputeUnits int64 = 10

// computeUnits weights each API method by its backend cost.
var computeUnits = map[string]int64{
	// Cheap chain reads
	"eth_chainId":     1,
	"eth_blockNumber": 1,
	"net_version":     1,
	"eth_gasPrice":    1,
	"web3_clientVersion": 1,

	// Standard reads
	"eth_getBalance":            5,
	"eth_getTransactionByHash":  5,
	"eth_getTransactionReceipt": 5,
	"eth_getBlockByNumber":      5,
	"eth_getBlockByHash":        5,
	"eth_getCode":               5,
	"eth_getStorageAt":          5,
	"eth_getTransactionCount":   5,

	// Execution
	"eth_call":        10,
	"eth_estimateGas": 10,

	// Log scans
	"eth_getLogs": 25,

	// Writes
	"eth_sendRawTransaction": 50,

	// Traces
	"debug_traceTransaction":   100,
	"debug_traceBlockByNumber": 100,
	"trace_transaction":        100,

	// Solana-style methods
	"getAccountInfo":      5,
	"getBalance":          5,
	"getLatestBlockhash":  1,
	"sendTransaction":     50,
	"simulateTransaction": 25,

	// Account abstraction
	"eth_sendUserOperation":        75,
	"eth_estimateUserOperationGas": 25,
	"eth_getUserOperationReceipt":  10,

	// Enhanced APIs
	"tokens_getBalances": 15,
	"tokens_getMetadata": 10,
	"nfts_getOwned":      20,
	"nfts_getMetadata":   10,
	"webhooks_create":    5,
	"webhooks_delete":    5,
}

// ComputeUnits returns the CU cost of one method.
func ComputeUnits(method string) int64 {
	if cu, ok := computeUnits[method]; ok {
		return cu
	}
	return DefaultComputeUnits
}

// BatchComputeUnits sums the CU cost of a batch request.
func BatchComputeUnits(methods []string) int64 {
	var total int64
	for _, m := range methods {
		total += ComputeUnits(m)
	}
	return total
}

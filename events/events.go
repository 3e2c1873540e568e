// Package events defines the typed events emitted by the submission pipeline
// and a small observer bus to deliver them to monitoring and persistence collaborators.
//
// No business decision depends on an event being delivered: Publish never blocks,
// a subscriber that falls behind loses events.
package events

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

type Kind string

const (
	KindBundleSubmitted      Kind = "bundleSubmitted"
	KindBundleIncluded       Kind = "bundleIncluded"
	KindBundleMissed         Kind = "bundleMissed"
	KindBundleError          Kind = "bundleError"
	KindProviderChanged      Kind = "providerChanged"
	KindHealthCheckCompleted Kind = "healthCheckCompleted"
	KindTransactionSent      Kind = "transactionSent"
	KindDeliveryFellBack     Kind = "deliveryFellBack"
)

// Event is one of the concrete event structs below.
type Event interface {
	Kind() Kind
}

type BundleSubmitted struct {
	BundleID    common.Hash `json:"bundleId"`
	TargetBlock uint64      `json:"targetBlock"`
}

type BundleIncluded struct {
	BundleID    common.Hash `json:"bundleId"`
	TargetBlock uint64      `json:"targetBlock"`
	GasUsed     uint64      `json:"gasUsed"`
}

type BundleMissed struct {
	BundleID    common.Hash `json:"bundleId"`
	TargetBlock uint64      `json:"targetBlock"`
}

// BundleError is emitted for bundles that failed to send or hit a nonce conflict.
// Status is the terminal bundle status, "error" or "nonce_error".
type BundleError struct {
	BundleID    common.Hash `json:"bundleId"`
	TargetBlock uint64      `json:"targetBlock"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason"`
}

type ProviderChanged struct {
	EndpointID string `json:"endpointId"`
	Region     string `json:"region"`
}

type HealthCheckCompleted struct {
	Healthy int `json:"healthy"`
	Total   int `json:"total"`
}

// TransactionSent is emitted when a delivery was broadcast on the public path.
type TransactionSent struct {
	AttemptID string      `json:"attemptId"`
	TxHash    common.Hash `json:"txHash"`
}

// DeliveryFellBack is emitted when a delivery abandons the relay path for the public one.
type DeliveryFellBack struct {
	AttemptID string `json:"attemptId"`
	Reason    string `json:"reason"`
}

func (BundleSubmitted) Kind() Kind      { return KindBundleSubmitted }
func (BundleIncluded) Kind() Kind       { return KindBundleIncluded }
func (BundleMissed) Kind() Kind         { return KindBundleMissed }
func (BundleError) Kind() Kind          { return KindBundleError }
func (ProviderChanged) Kind() Kind      { return KindProviderChanged }
func (HealthCheckCompleted) Kind() Kind { return KindHealthCheckCompleted }
func (TransactionSent) Kind() Kind      { return KindTransactionSent }
func (DeliveryFellBack) Kind() Kind     { return KindDeliveryFellBack }

type envelope struct {
	Kind Kind  `json:"kind"`
	Data Event `json:"data"`
}

// Marshal encodes an event together with its kind so consumers can dispatch on it.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(envelope{Kind: ev.Kind(), Data: ev})
}

// Package model holds the documents handoff writes to external stores.
package model

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// DefaultRecordCollection is the Firestore collection transaction records
// are written to when none is configured.
const DefaultRecordCollection = "_handoff_transactions"

// TransactionRecord summarizes a transaction that served an inbound request.
type TransactionRecord struct {
	TransactionID string `json:"txid" firestore:"txid"`

	// RequestID distinguishes concurrent requests served under the same
	// transaction id.
	RequestID string `json:"rid,omitempty" firestore:"rid,omitempty"`

	// Source identifies the service that served the request
	// (e.g. the Cloud Run service and revision).
	Source string `json:"src" firestore:"src"`

	Method     string `json:"method" firestore:"method"`
	URL        string `json:"url" firestore:"url"`
	StatusCode int    `json:"status" firestore:"status"`
	Panicked   bool   `json:"panicked,omitempty" firestore:"panicked,omitempty"`

	// Start is when the transaction was created, End when it was destroyed.
	Start *timestamppb.Timestamp `json:"start" firestore:"start"`
	End   *timestamppb.Timestamp `json:"end" firestore:"end"`

	// Handoffs counts how many times work of this transaction entered another
	// goroutine.
	Handoffs int64 `json:"handoffs" firestore:"handoffs"`

	// DownstreamCalls counts outbound requests made on its behalf.
	DownstreamCalls int64 `json:"downstream" firestore:"downstream"`

	// Trace is the trace ID of the request, only set if it was sampled.
	Trace string `json:"trace,omitempty" firestore:"trace,omitempty"`
}

// RecordID returns the document ID for a transaction. Transaction IDs
// continued from callers are not trusted to be valid document IDs, so those
// are hashed.
func RecordID(transactionID string) string {
	if validDocumentID(transactionID) {
		return transactionID
	}
	hash := sha256.Sum256([]byte(transactionID))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// DocumentID returns the ID of the document r is stored under, unique per
// served request.
func (r *TransactionRecord) DocumentID() string {
	if r.RequestID == "" {
		return RecordID(r.TransactionID)
	}
	return RecordID(r.TransactionID + "-" + r.RequestID)
}

func validDocumentID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 1500 {
		return false
	}
	if strings.Contains(id, "/") {
		return false
	}
	return !(strings.HasPrefix(id, "__") && strings.HasSuffix(id, "__"))
}

//go:generate mockgen -source provider.go -destination ../../internal/mocks/mock_provider.go -package mocks Provider

// Package provider defines the contract of the external catalog service that
// publishes policy documents, plus an HTTP client for it.
package provider

import (
	"context"
	"errors"
)

// ErrAuthExpired indicates the catalog credential or session is invalid. The
// client forces one credential refresh and retries once; a second failure is
// fatal and is never retried by the backoff policy.
var ErrAuthExpired = errors.New("catalog authentication expired")

// Chip is one hardware project known to the catalog service.
type Chip struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Alias string `json:"alias"`
}

// PolicyDocument identifies one published policy document for a chip
// version.
type PolicyDocument struct {
	DocumentID string `json:"document_id"`
	Version    string `json:"version"`
	Published  bool   `json:"published"`
}

// Provider is the remote catalog service. All calls may fail transiently;
// the caller wraps them in the retry policy, except for authentication
// failures which propagate immediately.
type Provider interface {
	// ListChips returns every chip the catalog knows, with aliases.
	ListChips(ctx context.Context) ([]Chip, error)

	// ListPolicyDocuments returns the documents published for a chip. An
	// empty version lists documents across versions so the caller can pick
	// the latest published one.
	ListPolicyDocuments(ctx context.Context, chipID, version string) ([]PolicyDocument, error)

	// FetchDocument downloads one raw policy document.
	FetchDocument(ctx context.Context, chipID, documentID string) ([]byte, error)
}

// Package sampleprovider implements the §4.2 Sample provider port: a
// content-and-version lookup for samples, with Direct, Remote (circuit
// breaker + bounded LRU fallback), and Cached-proxy (TTL) adapters.
package sampleprovider

import (
	"context"

	"github.com/anvilhq/anvil/pkg/anvilerr"
)

// DTO is the content resolved for one sample (§4.2).
type DTO struct {
	ID        string
	Content   map[string]any
	Version   string
	Metadata  map[string]any
	AssetURLs []string
}

// Provider is the Sample provider port. pkg/queue's DispatchNext calls
// Fetch inside its Store.WithTx unit, after selecting a sample and before
// inserting the Assignment, to pin sample_version. The export engine does
// not call it.
type Provider interface {
	Fetch(ctx context.Context, id string) (DTO, error)
	FetchBatch(ctx context.Context, ids []string) (map[string]DTO, error)
}

// Direct queries the same Store Anvil's other components use.
type Direct struct {
	store sampleStore
}

// sampleStore is the subset of storage.Store Direct needs; declared here
// (rather than importing the full interface) to keep this adapter's
// dependency surface minimal.
type sampleStore interface {
	FetchSampleContent(ctx context.Context, id string) (DTO, error)
	FetchSampleContentBatch(ctx context.Context, ids []string) (map[string]DTO, error)
}

// NewDirect wraps a content-resolving store.
func NewDirect(store sampleStore) *Direct {
	return &Direct{store: store}
}

func (d *Direct) Fetch(ctx context.Context, id string) (DTO, error) {
	return d.store.FetchSampleContent(ctx, id)
}

func (d *Direct) FetchBatch(ctx context.Context, ids []string) (map[string]DTO, error) {
	return d.store.FetchSampleContentBatch(ctx, ids)
}

// wrapUnavailable converts a lower-level fetch failure into the structured
// provider_unavailable error every caller expects (§7).
func wrapUnavailable(cause error) error {
	return anvilerr.ProviderUnavailableErr(cause)
}

package service

import (
	"github.com/marketplace/payments/internal/core/domain"
	"github.com/marketplace/payments/internal/core/ports"
)

// Providers maps each provider to its adapter.
type Providers map[domain.Provider]ports.ProviderAdapter

// NewProviders indexes adapters by the provider they serve.
func NewProviders(adapters ...ports.ProviderAdapter) Providers {
	p := make(Providers, len(adapters))
	for _, a := range adapters {
		p[a.Provider()] = a
	}
	return p
}

// Get returns the adapter for provider.
func (p Providers) Get(provider domain.Provider) (ports.ProviderAdapter, error) {
	a, ok := p[provider]
	if !ok {
		return nil, domain.NewServiceError(domain.ErrUnknownProvider,
			"unsupported payment provider", "UNKNOWN_PROVIDER")
	}
	return a, nil
}

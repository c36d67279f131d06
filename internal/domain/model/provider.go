package model

// Provider identifies the external e-commerce platform that sent a webhook.
type Provider string

const (
	ProviderHotmart   Provider = "hotmart"
	ProviderKiwify    Provider = "kiwify"
	ProviderEduzz     Provider = "eduzz"
	ProviderMonetizze Provider = "monetizze"
	ProviderGeneric   Provider = "generic"
)

// KnownProviders is the closed set of providers the pipeline accepts.
var KnownProviders = []Provider{
	ProviderHotmart,
	ProviderKiwify,
	ProviderEduzz,
	ProviderMonetizze,
	ProviderGeneric,
}

func (p Provider) Valid() bool {
	switch p {
	case ProviderHotmart, ProviderKiwify, ProviderEduzz, ProviderMonetizze, ProviderGeneric:
		return true
	}
	return false
}

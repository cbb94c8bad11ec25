// Package crosschain implements the cross-chain extension (C4): the
// merchant-side declaration and facilitator-side extraction of the
// destination-chain routing directive carried inside a payment payload.
package crosschain

import (
	"encoding/json"
	"regexp"
)

// ExtensionKey is the extensions map key this package owns.
const ExtensionKey = "cross-chain"

var (
	caip2Pattern   = regexp.MustCompile(`^eip155:\d+$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// Info is the destination-chain routing directive, mandatory in full
// (all three fields) once present.
type Info struct {
	DestinationNetwork string `json:"destinationNetwork"`
	DestinationAsset   string `json:"destinationAsset"`
	DestinationPayTo   string `json:"destinationPayTo"`
}

// Declaration is the merchant-side value returned by
// DeclareCrossChainExtension: the extension payload plus the JSON
// schema describing its shape, so a merchant can advertise the
// extension in a discovery response alongside its data.
type Declaration struct {
	Key    string          `json:"key"`
	Value  Info            `json:"value"`
	Schema json.RawMessage `json:"schema"`
}

// schema is the fixed JSON-schema fragment describing Info's shape.
var schema = json.RawMessage(`{
	"type": "object",
	"required": ["destinationNetwork", "destinationAsset", "destinationPayTo"],
	"properties": {
		"destinationNetwork": {"type": "string", "pattern": "^eip155:[0-9]+$"},
		"destinationAsset": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"destinationPayTo": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
	}
}`)

// DeclareCrossChainExtension builds a merchant-side declaration for a
// route that pays out on a different chain than it collects on.
func DeclareCrossChainExtension(destinationNetwork, destinationAsset, destinationPayTo string) Declaration {
	return Declaration{
		Key: ExtensionKey,
		Value: Info{
			DestinationNetwork: destinationNetwork,
			DestinationAsset:   destinationAsset,
			DestinationPayTo:   destinationPayTo,
		},
		Schema: schema,
	}
}

// ExtractCrossChainInfo returns the cross-chain routing directive
// carried in a payload's extensions map, or nil if absent or malformed.
// Absence is not an error: callers must treat a nil result as "this is
// a same-chain payment" (spec.md 4.4).
func ExtractCrossChainInfo(extensions map[string]json.RawMessage) *Info {
	if extensions == nil {
		return nil
	}
	raw, ok := extensions[ExtensionKey]
	if !ok {
		return nil
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil
	}
	if !Valid(&info) {
		return nil
	}
	return &info
}

// Valid checks the lexical constraints on an Info value: all three
// fields present and syntactically well-formed.
func Valid(info *Info) bool {
	if info == nil {
		return false
	}
	if info.DestinationNetwork == "" || info.DestinationAsset == "" || info.DestinationPayTo == "" {
		return false
	}
	if !caip2Pattern.MatchString(info.DestinationNetwork) {
		return false
	}
	if !addressPattern.MatchString(info.DestinationAsset) {
		return false
	}
	if !addressPattern.MatchString(info.DestinationPayTo) {
		return false
	}
	return true
}

// IsValidNetwork reports whether s is a syntactically valid CAIP-2 EVM
// network id.
func IsValidNetwork(s string) bool {
	return caip2Pattern.MatchString(s)
}

// IsValidAddress reports whether s is a syntactically valid EVM address.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

package exactevm

// Authorization is the EIP-3009 TransferWithAuthorization struct carried
// inside a PaymentPayload's payload field.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"` // atomic units, decimal string
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"` // 32-byte random hex, not an account nonce
}

// Payload is the decoded shape of PaymentPayload.Payload for scheme
// "exact".
type Payload struct {
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"` // 0x-prefixed hex
}

package event

// ReceiptRequested is emitted when a donator requests a receipt for a lot.
type ReceiptRequested struct {
	Donator   string `json:"donator"`
	Index     int    `json:"index"`
	Timestamp int64  `json:"timestamp"`
}

func (e *ReceiptRequested) EventType() Type { return TypeReceiptRequested }

// ReceiptMinted is emitted after the external receipt issuer minted the
// non-fungible receipt for a requested lot.
type ReceiptMinted struct {
	Minter    string `json:"minter"`
	Donator   string `json:"donator"`
	Index     int    `json:"index"`
	TokenID   int64  `json:"token_id"`
	Timestamp int64  `json:"timestamp"`
}

func (e *ReceiptMinted) EventType() Type { return TypeReceiptMinted }

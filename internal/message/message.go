package message

// SQoS holds the delivery options attached to a relayed message.
type SQoS struct {
	Reveal bool `json:"reveal"` // Reveal requests a commit-reveal delivery on the target chain
}

// Content is the call carried by a message on the destination chain.
type Content struct {
	Contract string `json:"contract"` // Contract is the target contract address
	Action   string `json:"action"`   // Action is the method invoked on the target contract
	Data     string `json:"data"`     // Data holds the encoded call parameters
}

// Message is one instruction relayed from FromChain to ToChain.
// Messages are plain values: two messages are equal iff all fields are equal.
type Message struct {
	FromChain string  `json:"from_chain"`
	ToChain   string  `json:"to_chain"`
	Sender    string  `json:"sender"`
	Signer    string  `json:"signer"`
	SQoS      SQoS    `json:"sqos"`
	Content   Content `json:"content"`
}

// MessageVerify is one validator's attested copy of a message for a round.
type MessageVerify struct {
	Validator Identity `json:"validator"`
	Message   Message  `json:"message"`
}

package store

// Message is one persisted chat utterance. ID is assigned by the store,
// exactly once, and is strictly increasing in creation order.
type Message struct {
	ID        int64
	Username  string
	Text      string
	Timestamp int64 // unix milliseconds
}

// Identity is a durable username record, independent of any live connection.
// Online is derivable from the session registry but persisted redundantly
// for out-of-band presence queries.
type Identity struct {
	Username string
	Online   bool
	LastSeen int64 // unix milliseconds
}

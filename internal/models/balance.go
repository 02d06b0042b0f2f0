package models

// FriendBalance is the viewer's aggregated position against one other
// participant across all groups. Positive means the friend owes the viewer.
type FriendBalance struct {
	FriendID string  `json:"friend_id"`
	Amount   float64 `json:"amount"`
}

// GroupBalance is the viewer's position against one participant within a
// single group. Positive means the friend owes the viewer.
type GroupBalance struct {
	GroupID      string  `json:"group_id"`
	FriendID     string  `json:"friend_id"`
	Amount       float64 `json:"amount"`
	LastActivity int64   `json:"last_activity"`
}

// Transfer is one suggested settlement payment.
type Transfer struct {
	// FromID is the debtor making the payment.
	FromID string `json:"from_id"`

	// ToID is the creditor receiving it.
	ToID string `json:"to_id"`

	// Amount is the payment size in the group currency.
	Amount float64 `json:"amount"`
}

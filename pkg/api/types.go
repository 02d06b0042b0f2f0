// Package api defines the wire types for the Connect RPC surface. All
// messages are plain JSON; amounts are decimal currency values and
// timestamps are Unix milliseconds.
package api

// User is the account representation returned by the auth service.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"created_at"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

// Participant is a named member of a group. Participants are group-local
// and need not correspond to registered accounts.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Group struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Participants []Participant `json:"participants"`
	TotalSpent   float64       `json:"total_spent"`
	LastActivity int64         `json:"last_activity"`
	IsActive     bool          `json:"is_active"`
	Currency     string        `json:"currency"`
}

type Expense struct {
	ID          string             `json:"id"`
	GroupID     string             `json:"group_id"`
	Description string             `json:"description"`
	TotalAmount float64            `json:"total_amount"`
	PaidByID    string             `json:"paid_by_id"`
	SplitType   string             `json:"split_type"`
	Date        int64              `json:"date"`
	Category    string             `json:"category,omitempty"`
	Shares      map[string]float64 `json:"shares"`
}

type CreateGroupRequest struct {
	Name         string        `json:"name"`
	Currency     string        `json:"currency"`
	Participants []Participant `json:"participants"`
}

type CreateGroupResponse struct {
	Group *Group `json:"group"`
}

type GetGroupRequest struct {
	GroupID string `json:"group_id"`
}

type GetGroupResponse struct {
	Group    *Group    `json:"group"`
	Expenses []Expense `json:"expenses"`
}

type ListGroupsRequest struct{}

type ListGroupsResponse struct {
	Groups []Group `json:"groups"`
}

// AddExpenseRequest carries the split parameters alongside the expense
// fields. Percentages is read for percentage splits, Amounts for custom
// splits; equal splits need neither.
type AddExpenseRequest struct {
	GroupID     string             `json:"group_id"`
	Description string             `json:"description"`
	TotalAmount float64            `json:"total_amount"`
	PaidByID    string             `json:"paid_by_id"`
	SplitType   string             `json:"split_type"`
	Date        int64              `json:"date,omitempty"`
	Category    string             `json:"category,omitempty"`
	Percentages map[string]float64 `json:"percentages,omitempty"`
	Amounts     map[string]float64 `json:"amounts,omitempty"`
}

type AddExpenseResponse struct {
	Expense *Expense `json:"expense"`
}

type UpdateExpenseRequest struct {
	ExpenseID   string             `json:"expense_id"`
	GroupID     string             `json:"group_id"`
	Description string             `json:"description"`
	TotalAmount float64            `json:"total_amount"`
	PaidByID    string             `json:"paid_by_id"`
	SplitType   string             `json:"split_type"`
	Date        int64              `json:"date,omitempty"`
	Category    string             `json:"category,omitempty"`
	Percentages map[string]float64 `json:"percentages,omitempty"`
	Amounts     map[string]float64 `json:"amounts,omitempty"`
}

type UpdateExpenseResponse struct {
	Expense *Expense `json:"expense"`
}

type DeleteExpenseRequest struct {
	GroupID   string `json:"group_id"`
	ExpenseID string `json:"expense_id"`
}

type DeleteExpenseResponse struct{}

// PairBalance is a directed debt between two participants: Amount is what
// Debtor owes Creditor.
type PairBalance struct {
	Debtor   string  `json:"debtor"`
	Creditor string  `json:"creditor"`
	Amount   float64 `json:"amount"`
}

type Transfer struct {
	FromID string  `json:"from_id"`
	ToID   string  `json:"to_id"`
	Amount float64 `json:"amount"`
}

type GetBalancesRequest struct {
	GroupID string `json:"group_id"`
}

// GetBalancesResponse returns the group's net positions, the pairwise debt
// matrix, and the suggested settlement transfers. Warnings list expenses
// excluded from the totals because their data is inconsistent.
type GetBalancesResponse struct {
	Net         map[string]float64 `json:"net"`
	Pairwise    []PairBalance      `json:"pairwise"`
	Settlements []Transfer         `json:"settlements"`
	Warnings    []string           `json:"warnings,omitempty"`
}

type FriendBalance struct {
	FriendID string  `json:"friend_id"`
	Amount   float64 `json:"amount"`
}

type GroupBalance struct {
	GroupID      string  `json:"group_id"`
	FriendID     string  `json:"friend_id"`
	Amount       float64 `json:"amount"`
	LastActivity int64   `json:"last_activity"`
}

type GetFriendBalancesRequest struct {
	ViewerID string `json:"viewer_id"`
}

type GetFriendBalancesResponse struct {
	Friends  []FriendBalance `json:"friends"`
	PerGroup []GroupBalance  `json:"per_group"`
	Warnings []string        `json:"warnings,omitempty"`
}

type SyncNowRequest struct{}

type SyncNowResponse struct {
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

type SyncStatusRequest struct{}

type SyncStatusResponse struct {
	State       string `json:"state"`
	Online      bool   `json:"online"`
	Pending     int    `json:"pending"`
	DeadLetters int    `json:"dead_letters"`
}

type SetOnlineRequest struct {
	Online bool `json:"online"`
}

type SetOnlineResponse struct {
	State string `json:"state"`
}

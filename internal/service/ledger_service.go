package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"

	"connectrpc.com/connect"

	"github.com/tallyhq/tally/internal/calculator"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/syncqueue"
	"github.com/tallyhq/tally/pkg/api"
)

const (
	LedgerServicePath = "/tally.v1.LedgerService/"

	LedgerCreateGroupProcedure       = LedgerServicePath + "CreateGroup"
	LedgerGetGroupProcedure          = LedgerServicePath + "GetGroup"
	LedgerListGroupsProcedure        = LedgerServicePath + "ListGroups"
	LedgerAddExpenseProcedure        = LedgerServicePath + "AddExpense"
	LedgerUpdateExpenseProcedure     = LedgerServicePath + "UpdateExpense"
	LedgerDeleteExpenseProcedure     = LedgerServicePath + "DeleteExpense"
	LedgerGetBalancesProcedure       = LedgerServicePath + "GetBalances"
	LedgerGetFriendBalancesProcedure = LedgerServicePath + "GetFriendBalances"
)

// LedgerService exposes groups, expenses, and balance projections. Every
// write goes through the ledger first and then into the sync queue, so the
// caller sees its edit immediately regardless of connectivity.
type LedgerService struct {
	ledger *ledger.Ledger
	queue  *syncqueue.Queue
}

func NewLedgerService(led *ledger.Ledger, queue *syncqueue.Queue) *LedgerService {
	return &LedgerService{ledger: led, queue: queue}
}

// NewLedgerServiceHandler mounts the ledger procedures on a single handler,
// returning the path prefix to register it under.
func NewLedgerServiceHandler(svc *LedgerService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(LedgerCreateGroupProcedure, connect.NewUnaryHandler(LedgerCreateGroupProcedure, svc.CreateGroup, opts...))
	mux.Handle(LedgerGetGroupProcedure, connect.NewUnaryHandler(LedgerGetGroupProcedure, svc.GetGroup, opts...))
	mux.Handle(LedgerListGroupsProcedure, connect.NewUnaryHandler(LedgerListGroupsProcedure, svc.ListGroups, opts...))
	mux.Handle(LedgerAddExpenseProcedure, connect.NewUnaryHandler(LedgerAddExpenseProcedure, svc.AddExpense, opts...))
	mux.Handle(LedgerUpdateExpenseProcedure, connect.NewUnaryHandler(LedgerUpdateExpenseProcedure, svc.UpdateExpense, opts...))
	mux.Handle(LedgerDeleteExpenseProcedure, connect.NewUnaryHandler(LedgerDeleteExpenseProcedure, svc.DeleteExpense, opts...))
	mux.Handle(LedgerGetBalancesProcedure, connect.NewUnaryHandler(LedgerGetBalancesProcedure, svc.GetBalances, opts...))
	mux.Handle(LedgerGetFriendBalancesProcedure, connect.NewUnaryHandler(LedgerGetFriendBalancesProcedure, svc.GetFriendBalances, opts...))
	return LedgerServicePath, mux
}

func toAPIGroup(g models.Group) api.Group {
	participants := make([]api.Participant, len(g.Participants))
	for i, p := range g.Participants {
		participants[i] = api.Participant{ID: p.ID, Name: p.Name}
	}
	return api.Group{
		ID:           g.ID,
		Name:         g.Name,
		Participants: participants,
		TotalSpent:   g.TotalSpent,
		LastActivity: g.LastActivity,
		IsActive:     g.IsActive,
		Currency:     g.Currency,
	}
}

func toAPIExpense(e models.Expense) api.Expense {
	return api.Expense{
		ID:          e.ID,
		GroupID:     e.GroupID,
		Description: e.Description,
		TotalAmount: e.TotalAmount,
		PaidByID:    e.PaidByID,
		SplitType:   string(e.SplitType),
		Date:        e.Date,
		Category:    e.Category,
		Shares:      e.Shares,
	}
}

// submit applies a local edit and hands the resulting mutation to the sync
// queue. The edit is visible locally even if enqueueing fails; the failure
// is surfaced so the client knows the change will not sync.
func (s *LedgerService) submit(ctx context.Context, edit ledger.Edit) (*models.PendingMutation, error) {
	m, err := s.ledger.Apply(edit)
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.queue.Enqueue(ctx, m); err != nil {
		slog.Error("Edit applied locally but could not be queued",
			"mutation_id", m.ID, "entity_id", m.EntityID, "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return m, nil
}

// CreateGroup registers a new group with its participants.
func (s *LedgerService) CreateGroup(ctx context.Context, req *connect.Request[api.CreateGroupRequest]) (*connect.Response[api.CreateGroupResponse], error) {
	participants := make([]models.Participant, len(req.Msg.Participants))
	for i, p := range req.Msg.Participants {
		participants[i] = models.Participant{ID: p.ID, Name: p.Name}
	}
	currency := req.Msg.Currency
	if currency == "" {
		currency = "USD"
	}
	group := &models.Group{
		Name:         req.Msg.Name,
		Participants: participants,
		IsActive:     true,
		Currency:     currency,
	}

	m, err := s.submit(ctx, ledger.Edit{
		Kind:       models.MutationCreate,
		EntityType: models.EntityGroup,
		Group:      group,
	})
	if err != nil {
		return nil, err
	}

	created, _, snapErr := s.ledger.Snapshot(m.EntityID)
	if snapErr != nil {
		return nil, rpcError(snapErr)
	}
	slog.Info("Group created", "group_id", created.ID, "participants", len(created.Participants))
	out := toAPIGroup(created)
	return connect.NewResponse(&api.CreateGroupResponse{Group: &out}), nil
}

// GetGroup returns a consistent snapshot of one group and its expenses.
func (s *LedgerService) GetGroup(ctx context.Context, req *connect.Request[api.GetGroupRequest]) (*connect.Response[api.GetGroupResponse], error) {
	group, expenses, err := s.ledger.Snapshot(req.Msg.GroupID)
	if err != nil {
		return nil, rpcError(err)
	}
	out := toAPIGroup(group)
	outExpenses := make([]api.Expense, len(expenses))
	for i, e := range expenses {
		outExpenses[i] = toAPIExpense(e)
	}
	return connect.NewResponse(&api.GetGroupResponse{Group: &out, Expenses: outExpenses}), nil
}

// ListGroups returns every group, most recently active first.
func (s *LedgerService) ListGroups(ctx context.Context, req *connect.Request[api.ListGroupsRequest]) (*connect.Response[api.ListGroupsResponse], error) {
	groups := s.ledger.Groups()
	out := make([]api.Group, len(groups))
	for i, g := range groups {
		out[i] = toAPIGroup(g)
	}
	return connect.NewResponse(&api.ListGroupsResponse{Groups: out}), nil
}

// expenseFromRequest computes the shares and assembles the expense model.
func (s *LedgerService) expenseFromRequest(groupID, expenseID, description, paidByID, splitType, category string, total float64, date int64, percentages, amounts map[string]float64) (*models.Expense, error) {
	group, _, err := s.ledger.Snapshot(groupID)
	if err != nil {
		return nil, err
	}
	shares, err := calculator.ComputeShares(total, models.SplitType(splitType), group.Participants, calculator.SplitParams{
		Percentages: percentages,
		Amounts:     amounts,
	})
	if err != nil {
		return nil, err
	}
	return &models.Expense{
		ID:          expenseID,
		GroupID:     groupID,
		Description: description,
		TotalAmount: total,
		PaidByID:    paidByID,
		SplitType:   models.SplitType(splitType),
		Date:        date,
		Category:    category,
		Shares:      shares,
	}, nil
}

// AddExpense splits and records a new expense.
func (s *LedgerService) AddExpense(ctx context.Context, req *connect.Request[api.AddExpenseRequest]) (*connect.Response[api.AddExpenseResponse], error) {
	r := req.Msg
	expense, err := s.expenseFromRequest(r.GroupID, "", r.Description, r.PaidByID, r.SplitType, r.Category, r.TotalAmount, r.Date, r.Percentages, r.Amounts)
	if err != nil {
		return nil, rpcError(err)
	}

	m, err := s.submit(ctx, ledger.Edit{
		Kind:       models.MutationCreate,
		EntityType: models.EntityExpense,
		Expense:    expense,
	})
	if err != nil {
		return nil, err
	}

	var created models.Expense
	if err := json.Unmarshal(m.Payload, &created); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("decode applied expense: %w", err))
	}
	slog.Info("Expense added", "group_id", created.GroupID, "expense_id", created.ID, "total", created.TotalAmount)
	out := toAPIExpense(created)
	return connect.NewResponse(&api.AddExpenseResponse{Expense: &out}), nil
}

// UpdateExpense re-splits and replaces an existing expense.
func (s *LedgerService) UpdateExpense(ctx context.Context, req *connect.Request[api.UpdateExpenseRequest]) (*connect.Response[api.UpdateExpenseResponse], error) {
	r := req.Msg
	if r.ExpenseID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, &models.ValidationError{Field: "expense_id", Reason: "required"})
	}
	expense, err := s.expenseFromRequest(r.GroupID, r.ExpenseID, r.Description, r.PaidByID, r.SplitType, r.Category, r.TotalAmount, r.Date, r.Percentages, r.Amounts)
	if err != nil {
		return nil, rpcError(err)
	}

	m, err := s.submit(ctx, ledger.Edit{
		Kind:       models.MutationUpdate,
		EntityType: models.EntityExpense,
		Expense:    expense,
	})
	if err != nil {
		return nil, err
	}

	var updated models.Expense
	if err := json.Unmarshal(m.Payload, &updated); err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("decode applied expense: %w", err))
	}
	slog.Info("Expense updated", "group_id", updated.GroupID, "expense_id", updated.ID)
	out := toAPIExpense(updated)
	return connect.NewResponse(&api.UpdateExpenseResponse{Expense: &out}), nil
}

// DeleteExpense removes an expense from its group.
func (s *LedgerService) DeleteExpense(ctx context.Context, req *connect.Request[api.DeleteExpenseRequest]) (*connect.Response[api.DeleteExpenseResponse], error) {
	_, err := s.submit(ctx, ledger.Edit{
		Kind:       models.MutationDelete,
		EntityType: models.EntityExpense,
		EntityID:   req.Msg.ExpenseID,
		GroupID:    req.Msg.GroupID,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Expense deleted", "group_id", req.Msg.GroupID, "expense_id", req.Msg.ExpenseID)
	return connect.NewResponse(&api.DeleteExpenseResponse{}), nil
}

func warningsFromInconsistencies(warnings []calculator.Inconsistency) []string {
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = fmt.Sprintf("expense %s excluded: %s", w.ExpenseID, w.Reason)
	}
	return out
}

// GetBalances returns net positions, the pairwise debt matrix, and the
// suggested settlement transfers for one group.
func (s *LedgerService) GetBalances(ctx context.Context, req *connect.Request[api.GetBalancesRequest]) (*connect.Response[api.GetBalancesResponse], error) {
	net, pairwise, settlements, warnings, err := s.ledger.Balances(req.Msg.GroupID)
	if err != nil {
		return nil, rpcError(err)
	}

	pairs := make([]api.PairBalance, 0, len(pairwise))
	for pair, amount := range pairwise {
		if math.Abs(amount) <= models.Epsilon {
			continue
		}
		// Positive means B owes A.
		pb := api.PairBalance{Debtor: pair.B, Creditor: pair.A, Amount: amount}
		if amount < 0 {
			pb = api.PairBalance{Debtor: pair.A, Creditor: pair.B, Amount: -amount}
		}
		pairs = append(pairs, pb)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Debtor != pairs[j].Debtor {
			return pairs[i].Debtor < pairs[j].Debtor
		}
		return pairs[i].Creditor < pairs[j].Creditor
	})

	transfers := make([]api.Transfer, len(settlements))
	for i, t := range settlements {
		transfers[i] = api.Transfer{FromID: t.FromID, ToID: t.ToID, Amount: t.Amount}
	}

	return connect.NewResponse(&api.GetBalancesResponse{
		Net:         net,
		Pairwise:    pairs,
		Settlements: transfers,
		Warnings:    warningsFromInconsistencies(warnings),
	}), nil
}

// GetFriendBalances returns the viewer's cross-group position per friend.
func (s *LedgerService) GetFriendBalances(ctx context.Context, req *connect.Request[api.GetFriendBalancesRequest]) (*connect.Response[api.GetFriendBalancesResponse], error) {
	if req.Msg.ViewerID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, &models.ValidationError{Field: "viewer_id", Reason: "required"})
	}

	friends, perGroup, warnings := s.ledger.FriendBalances(req.Msg.ViewerID)

	outFriends := make([]api.FriendBalance, len(friends))
	for i, f := range friends {
		outFriends[i] = api.FriendBalance{FriendID: f.FriendID, Amount: f.Amount}
	}
	outGroups := make([]api.GroupBalance, len(perGroup))
	for i, g := range perGroup {
		outGroups[i] = api.GroupBalance{GroupID: g.GroupID, FriendID: g.FriendID, Amount: g.Amount, LastActivity: g.LastActivity}
	}

	return connect.NewResponse(&api.GetFriendBalancesResponse{
		Friends:  outFriends,
		PerGroup: outGroups,
		Warnings: warningsFromInconsistencies(warnings),
	}), nil
}

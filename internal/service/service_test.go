package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/ledger"
	"github.com/tallyhq/tally/internal/middleware"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/internal/storage/sqlite"
	"github.com/tallyhq/tally/internal/syncqueue"
	"github.com/tallyhq/tally/pkg/api"
)

// okRemote acknowledges every push and returns no deltas.
type okRemote struct{}

func (okRemote) Push(ctx context.Context, entityType models.EntityType, id string, payload json.RawMessage, expectedVersion int64) (syncqueue.PushResult, error) {
	return syncqueue.PushResult{OK: true}, nil
}

func (okRemote) Pull(ctx context.Context, since string) ([]models.RemoteDelta, string, error) {
	return nil, since, nil
}

type testServer struct {
	url    string
	queue  *syncqueue.Queue
	tokens *auth.JWTManager
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "tally.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	led := ledger.New()
	queue := syncqueue.New(store, okRemote{}, led, syncqueue.DefaultConfig())
	tokens := auth.NewJWTManager("test-secret", time.Hour)
	authenticator := auth.NewPasswordAuthenticator(store)

	logged := connect.WithInterceptors(middleware.LoggingInterceptor())
	authed := connect.WithInterceptors(middleware.LoggingInterceptor(), middleware.RequireAuth(tokens))

	mux := http.NewServeMux()
	authPath, authHandler := NewAuthServiceHandler(NewAuthService(authenticator, tokens), logged)
	mux.Handle(authPath, authHandler)
	ledgerPath, ledgerHandler := NewLedgerServiceHandler(NewLedgerService(led, queue), authed)
	mux.Handle(ledgerPath, ledgerHandler)
	syncPath, syncHandler := NewSyncServiceHandler(NewSyncService(queue), authed)
	mux.Handle(syncPath, syncHandler)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{url: server.URL, queue: queue, tokens: tokens}
}

func call[Req, Res any](t *testing.T, ts *testServer, procedure, token string, msg *Req) (*connect.Response[Res], error) {
	t.Helper()
	client := connect.NewClient[Req, Res](http.DefaultClient, ts.url+procedure, connect.WithCodec(jsonCodec{}))
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	return client.CallUnary(context.Background(), req)
}

// login registers an account and returns its session token.
func login(t *testing.T, ts *testServer) string {
	t.Helper()
	resp, err := call[api.RegisterRequest, api.RegisterResponse](t, ts, AuthRegisterProcedure, "", &api.RegisterRequest{
		Email:    "alice@example.com",
		Name:     "Alice",
		Password: "a fine passphrase",
	})
	require.NoError(t, err)
	return resp.Msg.Token
}

func createGroup(t *testing.T, ts *testServer, token string) *api.Group {
	t.Helper()
	resp, err := call[api.CreateGroupRequest, api.CreateGroupResponse](t, ts, LedgerCreateGroupProcedure, token, &api.CreateGroupRequest{
		Name:     "Ski Trip",
		Currency: "EUR",
		Participants: []api.Participant{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
			{ID: "carol", Name: "Carol"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Msg.Group)
	return resp.Msg.Group
}

func TestRegisterAndLogin(t *testing.T) {
	ts := setupTestServer(t)

	token := login(t, ts)
	assert.NotEmpty(t, token)

	_, err := call[api.RegisterRequest, api.RegisterResponse](t, ts, AuthRegisterProcedure, "", &api.RegisterRequest{
		Email:    "alice@example.com",
		Name:     "Alice",
		Password: "a fine passphrase",
	})
	assert.Equal(t, connect.CodeAlreadyExists, connect.CodeOf(err))

	resp, err := call[api.LoginRequest, api.LoginResponse](t, ts, AuthLoginProcedure, "", &api.LoginRequest{
		Email:    "alice@example.com",
		Password: "a fine passphrase",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Msg.Token)
	assert.Equal(t, "alice@example.com", resp.Msg.User.Email)

	_, err = call[api.LoginRequest, api.LoginResponse](t, ts, AuthLoginProcedure, "", &api.LoginRequest{
		Email:    "alice@example.com",
		Password: "wrong",
	})
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestLedgerRequiresAuth(t *testing.T) {
	ts := setupTestServer(t)

	_, err := call[api.ListGroupsRequest, api.ListGroupsResponse](t, ts, LedgerListGroupsProcedure, "", &api.ListGroupsRequest{})
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = call[api.ListGroupsRequest, api.ListGroupsResponse](t, ts, LedgerListGroupsProcedure, "not-a-token", &api.ListGroupsRequest{})
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestGroupAndExpenseFlow(t *testing.T) {
	ts := setupTestServer(t)
	token := login(t, ts)
	group := createGroup(t, ts, token)

	addResp, err := call[api.AddExpenseRequest, api.AddExpenseResponse](t, ts, LedgerAddExpenseProcedure, token, &api.AddExpenseRequest{
		GroupID:     group.ID,
		Description: "Lift tickets",
		TotalAmount: 30.00,
		PaidByID:    "alice",
		SplitType:   "equal",
	})
	require.NoError(t, err)
	require.NotNil(t, addResp.Msg.Expense)
	assert.NotEmpty(t, addResp.Msg.Expense.ID)
	assert.InDelta(t, 10.00, addResp.Msg.Expense.Shares["alice"], 0.001)

	getResp, err := call[api.GetGroupRequest, api.GetGroupResponse](t, ts, LedgerGetGroupProcedure, token, &api.GetGroupRequest{GroupID: group.ID})
	require.NoError(t, err)
	require.Len(t, getResp.Msg.Expenses, 1)
	assert.InDelta(t, 30.00, getResp.Msg.Group.TotalSpent, 0.001)

	balResp, err := call[api.GetBalancesRequest, api.GetBalancesResponse](t, ts, LedgerGetBalancesProcedure, token, &api.GetBalancesRequest{GroupID: group.ID})
	require.NoError(t, err)
	assert.InDelta(t, 20.00, balResp.Msg.Net["alice"], 0.001)
	assert.InDelta(t, -10.00, balResp.Msg.Net["bob"], 0.001)
	require.Len(t, balResp.Msg.Settlements, 2)
	for _, tr := range balResp.Msg.Settlements {
		assert.Equal(t, "alice", tr.ToID)
		assert.InDelta(t, 10.00, tr.Amount, 0.001)
	}

	_, err = call[api.DeleteExpenseRequest, api.DeleteExpenseResponse](t, ts, LedgerDeleteExpenseProcedure, token, &api.DeleteExpenseRequest{
		GroupID:   group.ID,
		ExpenseID: addResp.Msg.Expense.ID,
	})
	require.NoError(t, err)

	getResp, err = call[api.GetGroupRequest, api.GetGroupResponse](t, ts, LedgerGetGroupProcedure, token, &api.GetGroupRequest{GroupID: group.ID})
	require.NoError(t, err)
	assert.Empty(t, getResp.Msg.Expenses)
	assert.InDelta(t, 0.0, getResp.Msg.Group.TotalSpent, 0.001)
}

func TestGetBalancesOmitsSettledPairs(t *testing.T) {
	ts := setupTestServer(t)
	token := login(t, ts)
	group := createGroup(t, ts, token)

	// Alice and Bob each pay 30 split equally: their mutual debts cancel,
	// and only Carol still owes anyone.
	for _, payer := range []string{"alice", "bob"} {
		_, err := call[api.AddExpenseRequest, api.AddExpenseResponse](t, ts, LedgerAddExpenseProcedure, token, &api.AddExpenseRequest{
			GroupID:     group.ID,
			Description: "Hotel",
			TotalAmount: 30.00,
			PaidByID:    payer,
			SplitType:   "equal",
		})
		require.NoError(t, err)
	}

	balResp, err := call[api.GetBalancesRequest, api.GetBalancesResponse](t, ts, LedgerGetBalancesProcedure, token, &api.GetBalancesRequest{GroupID: group.ID})
	require.NoError(t, err)

	require.Len(t, balResp.Msg.Pairwise, 2)
	for _, pb := range balResp.Msg.Pairwise {
		assert.Equal(t, "carol", pb.Debtor)
		assert.InDelta(t, 10.00, pb.Amount, 0.001)
	}
}

func TestAddExpenseRejectsBadSplit(t *testing.T) {
	ts := setupTestServer(t)
	token := login(t, ts)
	group := createGroup(t, ts, token)

	// Percentages that do not reach 100.
	_, err := call[api.AddExpenseRequest, api.AddExpenseResponse](t, ts, LedgerAddExpenseProcedure, token, &api.AddExpenseRequest{
		GroupID:     group.ID,
		Description: "Dinner",
		TotalAmount: 50.00,
		PaidByID:    "alice",
		SplitType:   "percentage",
		Percentages: map[string]float64{"alice": 50, "bob": 20, "carol": 20},
	})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[api.AddExpenseRequest, api.AddExpenseResponse](t, ts, LedgerAddExpenseProcedure, token, &api.AddExpenseRequest{
		GroupID:     "no-such-group",
		Description: "Dinner",
		TotalAmount: 50.00,
		PaidByID:    "alice",
		SplitType:   "equal",
	})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))
}

func TestSyncStatusReflectsQueue(t *testing.T) {
	ts := setupTestServer(t)
	token := login(t, ts)
	group := createGroup(t, ts, token)

	_, err := call[api.AddExpenseRequest, api.AddExpenseResponse](t, ts, LedgerAddExpenseProcedure, token, &api.AddExpenseRequest{
		GroupID:     group.ID,
		Description: "Groceries",
		TotalAmount: 12.00,
		PaidByID:    "bob",
		SplitType:   "equal",
	})
	require.NoError(t, err)

	// The queue starts offline, so both edits are still pending.
	status, err := call[api.SyncStatusRequest, api.SyncStatusResponse](t, ts, SyncStatusProcedure, token, &api.SyncStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, "offline", status.Msg.State)
	assert.False(t, status.Msg.Online)
	assert.Equal(t, 2, status.Msg.Pending)

	_, err = call[api.SetOnlineRequest, api.SetOnlineResponse](t, ts, SyncSetOnlineProcedure, token, &api.SetOnlineRequest{Online: true})
	require.NoError(t, err)

	syncResp, err := call[api.SyncNowRequest, api.SyncNowResponse](t, ts, SyncNowProcedure, token, &api.SyncNowRequest{})
	require.NoError(t, err)
	assert.Equal(t, "idle", syncResp.Msg.State)
	assert.Zero(t, syncResp.Msg.Pending)
}

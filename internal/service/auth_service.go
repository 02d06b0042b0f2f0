package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/tallyhq/tally/internal/auth"
	"github.com/tallyhq/tally/internal/models"
	"github.com/tallyhq/tally/pkg/api"
)

const (
	AuthServicePath = "/tally.v1.AuthService/"

	AuthRegisterProcedure = AuthServicePath + "Register"
	AuthLoginProcedure    = AuthServicePath + "Login"
)

// AuthService handles account registration and login.
type AuthService struct {
	authenticator auth.Authenticator
	tokens        *auth.JWTManager
}

func NewAuthService(authenticator auth.Authenticator, tokens *auth.JWTManager) *AuthService {
	return &AuthService{authenticator: authenticator, tokens: tokens}
}

// NewAuthServiceHandler mounts the auth procedures on a single handler,
// returning the path prefix to register it under.
func NewAuthServiceHandler(svc *AuthService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = handlerOptions(opts)
	mux := http.NewServeMux()
	mux.Handle(AuthRegisterProcedure, connect.NewUnaryHandler(AuthRegisterProcedure, svc.Register, opts...))
	mux.Handle(AuthLoginProcedure, connect.NewUnaryHandler(AuthLoginProcedure, svc.Login, opts...))
	return AuthServicePath, mux
}

func toAPIUser(u *models.User) *api.User {
	return &api.User{ID: u.ID, Name: u.Name, Email: u.Email, CreatedAt: u.CreatedAt}
}

// Register creates an account and returns a session token.
func (s *AuthService) Register(ctx context.Context, req *connect.Request[api.RegisterRequest]) (*connect.Response[api.RegisterResponse], error) {
	if req.Msg.Email == "" || req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("email and name are required"))
	}

	user, err := s.authenticator.Register(ctx, req.Msg.Email, req.Msg.Name, req.Msg.Password)
	if err != nil {
		slog.Warn("Registration failed", "email", req.Msg.Email, "error", err)
		switch {
		case errors.Is(err, auth.ErrEmailExists):
			return nil, connect.NewError(connect.CodeAlreadyExists, err)
		case errors.Is(err, auth.ErrWeakPassword):
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		default:
			return nil, connect.NewError(connect.CodeInternal, err)
		}
	}

	token, err := s.tokens.Generate(user)
	if err != nil {
		slog.Error("Failed to issue token", "user_id", user.ID, "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	slog.Info("User registered", "user_id", user.ID, "email", user.Email)
	return connect.NewResponse(&api.RegisterResponse{User: toAPIUser(user), Token: token}), nil
}

// Login verifies credentials and returns a session token.
func (s *AuthService) Login(ctx context.Context, req *connect.Request[api.LoginRequest]) (*connect.Response[api.LoginResponse], error) {
	if req.Msg.Email == "" || req.Msg.Password == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, auth.ErrInvalidCredentials)
	}

	user, err := s.authenticator.Authenticate(ctx, req.Msg.Email, req.Msg.Password)
	if err != nil {
		slog.Warn("Login failed", "email", req.Msg.Email)
		return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidCredentials)
	}

	token, err := s.tokens.Generate(user)
	if err != nil {
		slog.Error("Failed to issue token", "user_id", user.ID, "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	slog.Info("User logged in", "user_id", user.ID)
	return connect.NewResponse(&api.LoginResponse{User: toAPIUser(user), Token: token}), nil
}

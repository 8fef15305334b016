package auth

import (
	"context"
	"errors"
	"time"

	"sessiond/internal/domain/models"
	"sessiond/internal/services/auth"
	"sessiond/internal/services/session"

	sessionv1 "sessiond/internal/proto"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Auth interface {
	Login(
		ctx context.Context,
		username string,
		password string,
	) (user *models.User, err error)
	Signup(
		ctx context.Context,
		username string,
		password string,
		email string,
	) (user *models.User, err error)
}

type Sessions interface {
	Authorize(ctx context.Context, secret string) error
}

type serverAPI struct {
	sessionv1.UnimplementedAuthServer
	auth     Auth
	sessions Sessions
}

func Register(gRPC *grpc.Server, auth Auth, sessions Sessions) {
	sessionv1.RegisterAuthServer(gRPC, &serverAPI{auth: auth, sessions: sessions})
}

func (s *serverAPI) Signup(
	ctx context.Context,
	req *sessionv1.SignupRequest,
) (*sessionv1.SignupResponse, error) {
	if req.GetUsername() == "" {
		return nil, status.Error(codes.InvalidArgument, "username is required")
	}

	if req.GetPassword() == "" {
		return nil, status.Error(codes.InvalidArgument, "password is required")
	}

	if req.GetEmail() == "" {
		return nil, status.Error(codes.InvalidArgument, "email is required")
	}

	user, err := s.auth.Signup(
		ctx,
		req.GetUsername(),
		req.GetPassword(),
		req.GetEmail(),
	)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			return nil, status.Error(codes.AlreadyExists, "username already taken")
		}
		if errors.Is(err, auth.ErrStoreUnavailable) {
			return nil, status.Error(codes.Unavailable, "service unavailable")
		}
		return nil, status.Error(codes.Internal, "internal server error")
	}

	return &sessionv1.SignupResponse{
		User: userToProto(user),
	}, nil
}

func (s *serverAPI) Login(
	ctx context.Context,
	req *sessionv1.LoginRequest,
) (*sessionv1.LoginResponse, error) {
	if req.GetUsername() == "" {
		return nil, status.Error(codes.InvalidArgument, "username is required")
	}

	if req.GetPassword() == "" {
		return nil, status.Error(codes.InvalidArgument, "password is required")
	}

	user, err := s.auth.Login(
		ctx,
		req.GetUsername(),
		req.GetPassword(),
	)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return nil, status.Error(codes.InvalidArgument, "invalid username or password")
		}
		if errors.Is(err, auth.ErrStoreUnavailable) {
			return nil, status.Error(codes.Unavailable, "service unavailable")
		}
		return nil, status.Error(codes.Internal, "internal server error")
	}

	return &sessionv1.LoginResponse{
		User: userToProto(user),
	}, nil
}

func (s *serverAPI) Validate(
	ctx context.Context,
	req *sessionv1.ValidateRequest,
) (*sessionv1.ValidateResponse, error) {
	err := s.sessions.Authorize(ctx, req.GetToken())
	if err != nil {
		if errors.Is(err, session.ErrNoSessionToken) {
			return nil, status.Error(codes.InvalidArgument, "malformed request")
		}
		if errors.Is(err, session.ErrInvalidSession) {
			return nil, status.Error(codes.Unauthenticated, "invalid session")
		}
		return nil, status.Error(codes.Unavailable, "service unavailable")
	}

	return &sessionv1.ValidateResponse{}, nil
}

// userToProto maps a user to its wire form. The password hash never leaves
// the process.
func userToProto(user *models.User) *sessionv1.User {
	pb := &sessionv1.User{
		Username: user.Username,
		Email:    user.Email,
	}
	if user.Token != nil {
		pb.Token = &sessionv1.Token{
			Secret: user.Token.Secret,
			Expiry: user.Token.Expiry.UTC().Format(time.RFC3339Nano),
		}
	}
	return pb
}

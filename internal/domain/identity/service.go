package identity

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/internal/platform/validate"
	"github.com/oralvis/oralvis/pkg/pagination"
)

var errBadCredentials = apperr.Authentication("Invalid email or password")

// Service is the account provider: registration, credential checks and
// token issuance.
type Service struct {
	repo        UserRepository
	tokens      *auth.TokenManager
	revocations auth.RevocationStore
	validator   *validate.Validator
	logger      zerolog.Logger
	bcryptCost  int
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "identity").Logger() }
}

// WithBcryptCost overrides bcrypt.DefaultCost. Values outside bcrypt's
// accepted range are ignored.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

// WithRevocationStore makes logout and refresh rotation revoke token ids.
// Without one, tokens stay valid until they expire.
func WithRevocationStore(store auth.RevocationStore) Option {
	return func(s *Service) { s.revocations = store }
}

func NewService(repo UserRepository, tokens *auth.TokenManager, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		tokens:     tokens,
		validator:  validate.New(),
		logger:     zerolog.Nop(),
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TokenTTL is the access token lifetime, used for the cookie max age.
func (s *Service) TokenTTL() time.Duration { return s.tokens.TTL() }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a patient account and signs it in. Admin accounts are
// provisioned out of band through CreateAdmin.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*AuthResult, error) {
	in.Name = validate.CleanText(in.Name)
	in.Email = normalizeEmail(in.Email)
	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.Role == "" {
		in.Role = string(auth.RolePatient)
	}
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}
	if auth.Role(in.Role) == auth.RoleAdmin {
		return nil, apperr.Authorization("Admin accounts cannot be self-registered")
	}

	u, err := s.create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Msg("user registered")
	return s.issue(ctx, u)
}

// CreateAdmin provisions an admin account.
func (s *Service) CreateAdmin(ctx context.Context, name, email, password string) (*User, error) {
	in := RegisterInput{
		Name:     validate.CleanText(name),
		Email:    normalizeEmail(email),
		Password: password,
		Role:     string(auth.RoleAdmin),
	}
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}
	u, err := s.create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID).Msg("admin created")
	return u, nil
}

func (s *Service) create(ctx context.Context, in RegisterInput) (*User, error) {
	role := auth.Role(in.Role)
	var patientID *string
	switch role {
	case auth.RolePatient:
		if in.PatientID == "" {
			return nil, apperr.Field("patientId", "is required")
		}
		patientID = &in.PatientID
	case auth.RoleAdmin:
		if in.PatientID != "" {
			return nil, apperr.Field("patientId", "can only be set for patients")
		}
	}

	if _, err := s.repo.GetByEmail(ctx, in.Email); err == nil {
		return nil, errEmailTaken
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}
	if patientID != nil {
		taken, err := s.repo.PatientIDTaken(ctx, *patientID, "")
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, errPatientIDTaken
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, apperr.Internal("Error creating user", err)
	}
	u := &User{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         role,
		PatientID:    patientID,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login checks credentials. Unknown emails and wrong passwords fail with the
// same message.
func (s *Service) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	in.Email = normalizeEmail(in.Email)
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}
	u, err := s.repo.GetByEmail(ctx, in.Email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, errBadCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		s.logger.Warn().Str("user_id", u.ID).Msg("login failed: wrong password")
		return nil, errBadCredentials
	}
	return s.issue(ctx, u)
}

func (s *Service) issue(_ context.Context, u *User) (*AuthResult, error) {
	token, claims, err := s.tokens.Issue(u.Actor())
	if err != nil {
		return nil, apperr.Internal("Error issuing token", err)
	}
	refresh, _, err := s.tokens.IssueRefresh(u.ID)
	if err != nil {
		return nil, apperr.Internal("Error issuing token", err)
	}
	return &AuthResult{
		User:         u,
		Token:        token,
		ExpiresAt:    claims.ExpiresAt.Time,
		RefreshToken: refresh,
	}, nil
}

func (s *Service) revoked(ctx context.Context, jti string) (bool, error) {
	if s.revocations == nil || jti == "" {
		return false, nil
	}
	return s.revocations.IsRevoked(ctx, jti)
}

// Verify resolves an access token into the actor it was issued to. The role
// and profile are re-read so a deleted account stops authenticating at once.
// It implements auth.Verifier.
func (s *Service) Verify(ctx context.Context, token string) (auth.Actor, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return auth.Actor{}, err
	}
	revoked, err := s.revoked(ctx, claims.ID)
	if err != nil {
		return auth.Actor{}, err
	}
	if revoked {
		return auth.Actor{}, auth.ErrTokenRevoked
	}
	u, err := s.repo.GetByID(ctx, claims.Subject)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return auth.Actor{}, auth.ErrInvalidToken
		}
		return auth.Actor{}, err
	}
	actor := u.Actor()
	actor.TokenID = claims.ID
	actor.ExpiresAt = claims.ExpiresAt.Time
	return actor, nil
}

// Refresh exchanges a refresh token for a new token pair. The presented
// refresh token is revoked when a revocation store is configured.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*AuthResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, apperr.Field("refreshToken", "is required")
	}
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, apperr.Authentication("Invalid refresh token")
	}
	revoked, err := s.revoked(ctx, claims.ID)
	if err != nil {
		return nil, apperr.Internal("Error checking token", err)
	}
	if revoked {
		return nil, apperr.Authentication("Invalid refresh token")
	}
	u, err := s.repo.GetByID(ctx, claims.Subject)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Authentication("Invalid refresh token")
		}
		return nil, err
	}
	if s.revocations != nil {
		if err := s.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return nil, apperr.Internal("Error rotating token", err)
		}
	}
	return s.issue(ctx, u)
}

// Logout revokes the access token the actor authenticated with.
func (s *Service) Logout(ctx context.Context, actor auth.Actor) error {
	if s.revocations == nil || actor.TokenID == "" {
		return nil
	}
	if err := s.revocations.Revoke(ctx, actor.TokenID, actor.ExpiresAt); err != nil {
		return apperr.Internal("Error logging out", err)
	}
	s.logger.Info().Str("user_id", actor.UserID).Msg("token revoked")
	return nil
}

func (s *Service) Profile(ctx context.Context, actor auth.Actor) (*User, error) {
	return s.repo.GetByID(ctx, actor.UserID)
}

// GetByID returns any account. Callers are trusted.
func (s *Service) GetByID(ctx context.Context, id string) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// UpdateProfile changes the caller's name and, for patients, their patient id.
func (s *Service) UpdateProfile(ctx context.Context, actor auth.Actor, in ProfileInput) (*User, error) {
	if in.Name != nil {
		name := validate.CleanText(*in.Name)
		in.Name = &name
	}
	if in.PatientID != nil {
		pid := strings.TrimSpace(*in.PatientID)
		in.PatientID = &pid
	}
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}

	u, err := s.repo.GetByID(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	if in.PatientID != nil && (u.PatientID == nil || *u.PatientID != *in.PatientID) {
		if u.Role != auth.RolePatient {
			return nil, apperr.Field("patientId", "can only be set for patients")
		}
		taken, err := s.repo.PatientIDTaken(ctx, *in.PatientID, u.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, errPatientIDTaken
		}
		u.PatientID = in.PatientID
	}
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) ChangePassword(ctx context.Context, actor auth.Actor, in ChangePasswordInput) error {
	if in.CurrentPassword == "" || in.NewPassword == "" {
		return apperr.Validation("Current password and new password are required")
	}
	if err := s.validator.Validate(in); err != nil {
		return err
	}
	u, err := s.repo.GetByID(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.CurrentPassword)) != nil {
		return apperr.Field("currentPassword", "Current password is incorrect")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), s.bcryptCost)
	if err != nil {
		return apperr.Internal("Error changing password", err)
	}
	if err := s.repo.UpdatePassword(ctx, u.ID, string(hash)); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", u.ID).Msg("password changed")
	return nil
}

func requireAdmin(actor auth.Actor) error {
	if !actor.IsAdmin() {
		return apperr.Authorization("Admin access required")
	}
	return nil
}

// ListUsers pages through accounts, newest first, optionally by role.
func (s *Service) ListUsers(ctx context.Context, actor auth.Actor, role string, p pagination.Params) (*UserPage, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	var filter UserFilter
	if role != "" {
		filter.Role = auth.Role(strings.ToLower(strings.TrimSpace(role)))
		if !filter.Role.Valid() {
			return nil, apperr.Field("role", "must be one of: patient, admin")
		}
	}
	p = pagination.New(p.Page, p.Limit)
	users, total, err := s.repo.List(ctx, filter, p.Limit, p.Offset())
	if err != nil {
		return nil, err
	}
	return &UserPage{Items: users, Meta: p.Meta(total)}, nil
}

// DeleteUser removes an account and, with it, the account's submissions.
// Their blobs are left for the blob garbage collector.
func (s *Service) DeleteUser(ctx context.Context, actor auth.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if id == actor.UserID {
		return apperr.Validation("You cannot delete your own account")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", id).Str("actor_id", actor.UserID).Msg("user deleted")
	return nil
}

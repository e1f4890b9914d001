package identity

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/pkg/pagination"
	"github.com/oralvis/oralvis/pkg/response"
)

type Handler struct {
	svc          *Service
	secureCookie bool
}

// NewHandler builds the auth handlers. secureCookie marks the token cookie
// Secure, which production deployments behind TLS need.
func NewHandler(svc *Service, secureCookie bool) *Handler {
	return &Handler{svc: svc, secureCookie: secureCookie}
}

// RegisterRoutes mounts /auth and /users on api. credentialMiddleware wraps
// the routes that accept passwords or refresh tokens.
func (h *Handler) RegisterRoutes(api *echo.Group, credentialMiddleware ...echo.MiddlewareFunc) {
	a := api.Group("/auth")
	a.POST("/register", h.Register, credentialMiddleware...)
	a.POST("/login", h.Login, credentialMiddleware...)
	a.POST("/refresh", h.Refresh, credentialMiddleware...)
	a.POST("/logout", h.Logout)
	a.GET("/profile", h.Profile)
	a.PUT("/profile", h.UpdateProfile)
	a.POST("/change-password", h.ChangePassword, credentialMiddleware...)
	a.GET("/verify", h.Verify)

	u := api.Group("/users", auth.RequireRole(auth.RoleAdmin))
	u.GET("", h.ListUsers)
	u.DELETE("/:id", h.DeleteUser)
}

func actorOf(c echo.Context) (auth.Actor, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, apperr.Authentication("Access denied. No token provided.")
	}
	return actor, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("Invalid request body")
	}
	return nil
}

func (h *Handler) setCookie(c echo.Context, token string) {
	auth.SetTokenCookie(c, token, int(h.svc.TokenTTL().Seconds()), h.secureCookie)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return err
	}
	h.setCookie(c, res.Token)
	return response.OK(c, http.StatusCreated, "User registered successfully", res)
}

func (h *Handler) Login(c echo.Context) error {
	var in LoginInput
	if err := bind(c, &in); err != nil {
		return err
	}
	res, err := h.svc.Login(c.Request().Context(), in)
	if err != nil {
		return err
	}
	h.setCookie(c, res.Token)
	return response.OK(c, http.StatusOK, "Login successful", res)
}

func (h *Handler) Refresh(c echo.Context) error {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	res, err := h.svc.Refresh(c.Request().Context(), body.RefreshToken)
	if err != nil {
		return err
	}
	h.setCookie(c, res.Token)
	return response.OK(c, http.StatusOK, "Token refreshed successfully", res)
}

func (h *Handler) Logout(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.Logout(c.Request().Context(), actor); err != nil {
		return err
	}
	auth.ClearTokenCookie(c, h.secureCookie)
	return response.OK(c, http.StatusOK, "Logout successful", nil)
}

func (h *Handler) Profile(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Profile(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "Profile retrieved successfully", map[string]*User{"user": u})
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var in ProfileInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), actor, in)
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "Profile updated successfully", map[string]*User{"user": u})
}

func (h *Handler) ChangePassword(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	var in ChangePasswordInput
	if err := bind(c, &in); err != nil {
		return err
	}
	if err := h.svc.ChangePassword(c.Request().Context(), actor, in); err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "Password changed successfully", nil)
}

func (h *Handler) Verify(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Profile(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "Token is valid", map[string]*User{"user": u})
}

func (h *Handler) ListUsers(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	page, err := h.svc.ListUsers(c.Request().Context(), actor, c.QueryParam("role"), pagination.FromContext(c))
	if err != nil {
		return err
	}
	return response.Page(c, http.StatusOK, page.Items, page.Meta)
}

func (h *Handler) DeleteUser(c echo.Context) error {
	actor, err := actorOf(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteUser(c.Request().Context(), actor, c.Param("id")); err != nil {
		return err
	}
	return response.OK(c, http.StatusOK, "User deleted successfully", nil)
}

package server

import (
	"errors"
	stdsync "sync"

	"tabulas/app/client/keycloak"
	"tabulas/app/config"
	"tabulas/app/profile"
	"tabulas/app/service/sync"
	"tabulas/app/vocab"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/samber/do"
)

var _ do.Shutdownable = (*Service)(nil)

// Service exposes the engine to a UI over HTTP. The bearer token lives in
// memory for the session only; nothing is persisted client-side.
type Service struct {
	cfg            *config.Config
	keycloakClient *keycloak.Client
	syncSvc        *sync.Service
	app            *fiber.App
	validate       *validator.Validate

	mu    stdsync.Mutex
	token string
}

func New(di *do.Injector) (*Service, error) {
	s := &Service{
		cfg:            do.MustInvoke[*config.Config](di),
		keycloakClient: do.MustInvoke[*keycloak.Client](di),
		syncSvc:        do.MustInvoke[*sync.Service](di),
		validate:       validator.New(validator.WithRequiredStructEnabled()),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	api := s.app.Group("/api")
	api.Post("/login", s.handleLogin)
	api.Post("/logout", s.handleLogout)
	api.Get("/vocab", s.handleVocab)
	api.Get("/profile", s.handleGetProfile)
	api.Put("/profile", s.handlePutProfile)
	api.Post("/profile/save", s.handleSave)
	api.Delete("/profile", s.handleWipe)

	return s, nil
}

func (s *Service) Run() error {
	if s.cfg.Server.Listen == "" {
		return nil
	}
	return s.app.Listen(s.cfg.Server.Listen)
}

func (s *Service) Shutdown() error {
	return s.app.Shutdown()
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Service) handleLogin(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	if err := s.validate.Struct(req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "username and password are required")
	}

	token, err := s.keycloakClient.GetToken(c.UserContext(), req.Username, req.Password)
	if err != nil {
		var authErr *keycloak.AuthError
		if errors.As(err, &authErr) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": authErr.Message})
		}
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.syncSvc.Logout()

	return c.JSON(fiber.Map{"ok": true})
}

func (s *Service) handleLogout(c *fiber.Ctx) error {
	s.clearSession()
	return c.JSON(fiber.Map{"ok": true})
}

func (s *Service) handleVocab(c *fiber.Ctx) error {
	type item struct {
		Code string `json:"code"`
		Name string `json:"name"`
	}

	toItems := func(items []vocab.Item) []item {
		result := make([]item, 0, len(items))
		for _, it := range items {
			result = append(result, item{Code: it.Code, Name: it.Name})
		}
		return result
	}

	return c.JSON(fiber.Map{
		"allergies":    toItems(vocab.Allergens),
		"intolerances": toItems(vocab.Intolerances),
	})
}

func (s *Service) handleGetProfile(c *fiber.Ctx) error {
	token, ok := s.sessionToken()
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "not logged in")
	}

	snapshot := s.syncSvc.Snapshot()
	// A failed load is retryable: refreshing the profile re-runs it
	// instead of requiring a fresh login.
	if snapshot.State == sync.StateUnloaded || snapshot.State == sync.StateLoadFailed {
		if err := s.syncSvc.Load(c.UserContext(), token); err != nil {
			if errors.Is(err, sync.ErrUnauthorized) {
				s.clearSession()
				return fiber.NewError(fiber.StatusUnauthorized, "session expired")
			}
			return fiber.NewError(fiber.StatusBadGateway, err.Error())
		}
		snapshot = s.syncSvc.Snapshot()
	}

	return c.JSON(snapshotResponse(snapshot))
}

func (s *Service) handlePutProfile(c *fiber.Ctx) error {
	token, ok := s.sessionToken()
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "not logged in")
	}

	var next profile.State
	if err := c.BodyParser(&next); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}

	next = next.Normalize()
	if !next.Valid() {
		return fiber.NewError(fiber.StatusBadRequest, "unknown code in profile")
	}

	s.syncSvc.Edit(token, next)

	return c.SendStatus(fiber.StatusAccepted)
}

func (s *Service) handleSave(c *fiber.Ctx) error {
	token, ok := s.sessionToken()
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "not logged in")
	}

	if err := s.syncSvc.Flush(c.UserContext(), token); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	return c.JSON(snapshotResponse(s.syncSvc.Snapshot()))
}

func (s *Service) handleWipe(c *fiber.Ctx) error {
	token, ok := s.sessionToken()
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "not logged in")
	}

	if err := s.syncSvc.Wipe(c.UserContext(), token); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}

	return c.JSON(snapshotResponse(s.syncSvc.Snapshot()))
}

func (s *Service) sessionToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.token, s.token != ""
}

func (s *Service) clearSession() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()

	s.syncSvc.Logout()
}

func snapshotResponse(snapshot sync.Snapshot) fiber.Map {
	result := fiber.Map{
		"state":   snapshot.State,
		"profile": snapshot.Profile,
	}
	if snapshot.Pending != nil {
		result["pending"] = snapshot.Pending
	}
	if snapshot.Err != "" {
		result["error"] = snapshot.Err
	}
	return result
}

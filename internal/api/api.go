// Package api is the thin HTTP surface over internal/core, built the
// way the teacher's handlers package wraps its services: one fiber.App,
// one JWT-protected route group, one handler per operation. It holds
// no forwarding state of its own.
package api

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/golang-jwt/jwt/v4"

	"forwardgate/internal/authstore"
	"forwardgate/internal/core"
	"forwardgate/internal/policy"
	"forwardgate/internal/rules"
	"forwardgate/internal/sysmsg"
)

// Server bundles the core facade and operator-account store behind a
// fiber.App.
type Server struct {
	App   *fiber.App
	core  *core.Core
	auth  *authstore.Store
	jwtSecret []byte
}

// New builds the fiber.App and registers every route spec.md §6 names.
func New(c *core.Core, auth *authstore.Store, jwtSecret string) *Server {
	s := &Server{
		App:       fiber.New(fiber.Config{DisableStartupMessage: true}),
		core:      c,
		auth:      auth,
		jwtSecret: []byte(jwtSecret),
	}

	s.App.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		Output:     os.Stdout,
	}))
	s.App.Use(cors.New())

	group := s.App.Group("/api")
	group.Post("/login", s.login)

	protected := group.Group("", s.jwtMiddleware())
	protected.Put("/auth/password", s.changePassword)

	protected.Get("/rules", s.listRules)
	protected.Post("/rules", s.createRule)
	protected.Get("/rules/:id", s.getRule)
	protected.Put("/rules/:id", s.updateRule)
	protected.Delete("/rules/:id", s.deleteRule)
	protected.Post("/rules/:id/enable", s.enableRule)
	protected.Post("/rules/:id/disable", s.disableRule)

	protected.Get("/connections/active", s.activeConnections)
	protected.Get("/connections/recent", s.recentConnections)
	protected.Get("/connections/blocked", s.blockedConnections)
	protected.Get("/connections/history", s.connectionHistory)
	protected.Get("/connections/ddos", s.ddosReport)

	protected.Post("/policy/block", s.blockIP)
	protected.Delete("/policy/block", s.unblockIP)
	protected.Post("/policy/allow", s.allowIP)
	protected.Delete("/policy/allow", s.disallowIP)
	protected.Put("/policy/allowlist-enabled", s.setAllowlistEnabled)
	protected.Post("/policy/geo-block", s.blockCountry)
	protected.Delete("/policy/geo-block", s.unblockCountry)
	protected.Get("/policy/rate-limit", s.getRateLimit)
	protected.Put("/policy/rate-limit", s.setRateLimit)
	protected.Post("/policy/geo-db/reload", s.reloadGeoDB)

	return s
}

// Listen starts the server. It blocks until the listener stops.
func (s *Server) Listen(addr string) error {
	return s.App.Listen(addr)
}

// --- auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}

	if err := s.auth.Authenticate(req.Username, req.Password); err != nil {
		sysmsg.Warn("failed login for %s: %v", req.Username, err)
		status := fiber.StatusUnauthorized
		if err == authstore.ErrAccountLocked {
			status = fiber.StatusForbidden
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}

	claims := jwt.MapClaims{
		"user": req.Username,
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "could not log in"})
	}

	sysmsg.Info("operator logged in: %s", req.Username)
	return c.JSON(fiber.Map{"token": signed})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *Server) changePassword(c *fiber.Ctx) error {
	username := usernameFromContext(c)
	var req changePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	if err := s.auth.Authenticate(username, req.OldPassword); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "incorrect old password"})
	}
	if err := s.auth.SetPassword(username, req.NewPassword); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"message": "password updated"})
}

func (s *Server) jwtMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or invalid authorization header"})
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}
		c.Locals("user", token)
		return c.Next()
	}
}

func usernameFromContext(c *fiber.Ctx) string {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	username, _ := claims["user"].(string)
	return username
}

// --- rules ---

type ruleRequest struct {
	ListenSpec string `json:"listen_spec"`
	TargetSpec string `json:"target_spec"`
	Protocol   string `json:"protocol"`
	Enabled    bool   `json:"enabled"`
}

func (s *Server) listRules(c *fiber.Ctx) error {
	return c.JSON(s.core.ListRules())
}

func (s *Server) getRule(c *fiber.Ctx) error {
	id, err := parseRuleID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	rule, ok := s.core.GetRule(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "rule not found"})
	}
	return c.JSON(rule)
}

func (s *Server) createRule(c *fiber.Ctx) error {
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	protocol, err := rules.ParseProtocol(req.Protocol)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	rule, err := s.core.CreateRule(rules.Draft{
		ListenSpec: req.ListenSpec,
		TargetSpec: req.TargetSpec,
		Protocol:   protocol,
		Enabled:    req.Enabled,
	})
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (s *Server) updateRule(c *fiber.Ctx) error {
	id, err := parseRuleID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	var req ruleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}

	patch := rules.Patch{}
	if req.ListenSpec != "" {
		patch.ListenSpec = &req.ListenSpec
	}
	if req.TargetSpec != "" {
		patch.TargetSpec = &req.TargetSpec
	}
	if req.Protocol != "" {
		protocol, err := rules.ParseProtocol(req.Protocol)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		patch.Protocol = &protocol
	}
	patch.Enabled = &req.Enabled

	rule, err := s.core.UpdateRule(id, patch)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(rule)
}

func (s *Server) deleteRule(c *fiber.Ctx) error {
	id, err := parseRuleID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if err := s.core.DeleteRule(id); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) enableRule(c *fiber.Ctx) error {
	id, err := parseRuleID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	rule, err := s.core.EnableRule(id)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(rule)
}

func (s *Server) disableRule(c *fiber.Ctx) error {
	id, err := parseRuleID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	rule, err := s.core.DisableRule(id)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(rule)
}

func parseRuleID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}

// --- connection views ---

func (s *Server) activeConnections(c *fiber.Ctx) error {
	return c.JSON(s.core.ActiveConnections())
}

func (s *Server) recentConnections(c *fiber.Ctx) error {
	return c.JSON(s.core.RecentConnections(queryLimit(c)))
}

func (s *Server) blockedConnections(c *fiber.Ctx) error {
	return c.JSON(s.core.BlockedConnections(queryLimit(c)))
}

func (s *Server) connectionHistory(c *fiber.Ctx) error {
	return c.JSON(s.core.ConnectionHistory(queryLimit(c)))
}

func (s *Server) ddosReport(c *fiber.Ctx) error {
	return c.JSON(s.core.DDoSReport())
}

func queryLimit(c *fiber.Ctx) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// --- policy ---

type ipPortRequest struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

func (s *Server) blockIP(c *fiber.Ctx) error {
	var req ipPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	s.core.BlockIP(req.IP, req.Port)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unblockIP(c *fiber.Ctx) error {
	var req ipPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	s.core.UnblockIP(req.IP, req.Port)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) allowIP(c *fiber.Ctx) error {
	var req ipPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	s.core.AllowIP(req.IP, req.Port)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) disallowIP(c *fiber.Ctx) error {
	var req ipPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	s.core.DisallowIP(req.IP, req.Port)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) setAllowlistEnabled(c *fiber.Ctx) error {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	s.core.SetAllowlistEnabled(req.Enabled)
	return c.SendStatus(fiber.StatusNoContent)
}

type countryPortRequest struct {
	Country string `json:"country"`
	Port    uint16 `json:"port"`
}

func (s *Server) blockCountry(c *fiber.Ctx) error {
	var req countryPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	if err := s.core.BlockCountry(req.Country, req.Port); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unblockCountry(c *fiber.Ctx) error {
	var req countryPortRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	if err := s.core.UnblockCountry(req.Country, req.Port); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) getRateLimit(c *fiber.Ctx) error {
	return c.JSON(s.core.RateLimit())
}

type rateLimitRequest struct {
	MaxNewPerMinute    *int `json:"max_new_per_minute"`
	MaxConcurrentPerIP *int `json:"max_concurrent_per_ip"`
	MaxConcurrentTotal *int `json:"max_concurrent_total"`
}

func (s *Server) setRateLimit(c *fiber.Ctx) error {
	var req rateLimitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid input"})
	}
	s.core.SetRateLimit(policy.RateLimitPatch{
		MaxNewPerMinute:    req.MaxNewPerMinute,
		MaxConcurrentPerIP: req.MaxConcurrentPerIP,
		MaxConcurrentTotal: req.MaxConcurrentTotal,
	})
	return c.JSON(s.core.RateLimit())
}

func (s *Server) reloadGeoDB(c *fiber.Ctx) error {
	if err := s.core.ReloadGeoDatabase(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

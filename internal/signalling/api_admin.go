package signalling

import (
	"errors"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/irdkwmnsb/robolink/internal/domain"
)

func (s *Server) setupAdminApi() {
	s.app.Route("/api", func(router fiber.Router) {
		router.Use(basicauth.New(basicauth.Config{
			Realm:      "Forbidden",
			Authorizer: s.auth.CheckAdmin,
		}))

		router.Get("/robots", func(c *fiber.Ctx) error {
			return c.JSON(s.hub.Robots())
		})

		router.Get("/clients", func(c *fiber.Ctx) error {
			clients := s.hub.Clients()
			sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })

			views := make([]clientView, 0, len(clients))
			for _, client := range clients {
				views = append(views, newClientView(client))
			}
			return c.JSON(views)
		})

		router.Get("/sessions", func(c *fiber.Ctx) error {
			sessions := s.hub.Sessions()
			sort.Slice(sessions, func(i, j int) bool { return sessions[i].RobotID < sessions[j].RobotID })
			return c.JSON(sessions)
		})

		router.Post("/sessions/:robotId/disconnect", func(c *fiber.Ctx) error {
			robotID := c.Params("robotId")
			err := s.hub.DisconnectSession("", robotID)
			switch {
			case err == nil:
				return c.Status(fiber.StatusOK).SendString("Ok")
			case errors.Is(err, domain.ErrNotBound):
				return c.Status(fiber.StatusNotFound).SendString("Session not found")
			default:
				return c.Status(fiber.StatusInternalServerError).SendString("Failed to disconnect session")
			}
		})
	})
}

type clientView struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Role        domain.Role `json:"role"`
	RemoteAddr  string      `json:"remoteAddr"`
	ConnectedAt time.Time   `json:"connectedAt"`
	LastSeen    time.Time   `json:"lastSeen"`
}

func newClientView(c domain.Client) clientView {
	return clientView{
		ID:          c.ID,
		Name:        c.Name,
		Role:        c.Role,
		RemoteAddr:  c.RemoteAddr,
		ConnectedAt: c.ConnectedAt,
		LastSeen:    c.LastSeen,
	}
}

package httpapi

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/i474232898/home-energy-capture/internal/metrics"
	"github.com/i474232898/home-energy-capture/internal/scheduler"
)

var validate = validator.New()

// StatusProvider exposes the polling loops' state. It never exposes the
// captured readings themselves.
type StatusProvider interface {
	Statuses() []scheduler.Status
}

// RegisterRoutes wires the operator status handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, provider StatusProvider, m *metrics.Metrics) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "home-energy-capture",
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	v1 := app.Group("/api/v1")

	v1.Get("/sources", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sources": provider.Statuses(),
		})
	})

	v1.Get("/sources/:name", func(c *fiber.Ctx) error {
		req := sourceQuery{Name: c.Params("name")}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		for _, st := range provider.Statuses() {
			if st.Source == req.Name {
				return c.JSON(st)
			}
		}
		return fiber.NewError(fiber.StatusNotFound, "unknown source")
	})
}

// sourceQuery holds the path parameter of the per-source endpoint.
type sourceQuery struct {
	Name string `validate:"required,alphanum,max=32"`
}

package routes

import (
	"github.com/gofiber/fiber/v2"

	"dealpay/controllers/deal"
	"dealpay/controllers/payment"
	"dealpay/middlewares"
)

type Deps struct {
	APIKey   string
	Deals    *deal.Handler
	Payments *payment.Handler
}

func Setup(app *fiber.App, deps Deps) {
	// signed by the payment provider, not by our callers
	app.Post("/payments/webhook", deps.Payments.Webhook)

	api := app.Group("/", middlewares.APIKeyAuth(deps.APIKey))

	api.Post("/deals", deps.Deals.Create)
	api.Get("/deals/:id", deps.Deals.Get)
	api.Get("/deals/:id/payments", deps.Deals.Payments)

	dealroutes := api.Group("/deals/:id", middlewares.RequireParty)
	dealroutes.Post("/accept", deps.Deals.Accept)
	dealroutes.Post("/deliver", deps.Deals.Deliver)
	dealroutes.Post("/verify", deps.Deals.Verify)
	dealroutes.Post("/release", deps.Deals.Release)
	dealroutes.Post("/cancel", deps.Deals.Cancel)
	dealroutes.Post("/retry-payment", deps.Deals.RetryPayment)

	paymentroutes := api.Group("/payments/:id", middlewares.RequireParty)
	paymentroutes.Get("/", deps.Payments.Get)
	paymentroutes.Post("/confirm", deps.Payments.Confirm)
}

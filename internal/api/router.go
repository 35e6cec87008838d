package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/register", apiHandler.RegisterHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Session routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Post("/logout", apiHandler.LogoutHandler)
			r.Get("/events", apiHandler.EventsHandler)
			r.Post("/presence", apiHandler.PresenceSignalHandler)

			r.Get("/conversations", apiHandler.ListConversationsHandler)
			r.Post("/chats/close", apiHandler.CloseChatHandler)
			r.Route("/chats/{partnerID}", func(r chi.Router) {
				r.Post("/open", apiHandler.OpenChatHandler)
				r.Get("/messages", apiHandler.ListMessagesHandler)
				r.Post("/messages", apiHandler.PostMessageHandler)
				r.Delete("/messages/{messageID}", apiHandler.DeleteMessageHandler)
				r.Get("/pin", apiHandler.GetPinHandler)
				r.Put("/pin", apiHandler.PinMessageHandler)
				r.Delete("/pin", apiHandler.UnpinMessageHandler)
				r.Post("/favorite", apiHandler.TogglePinnedChatHandler)
				r.Get("/wallpaper", apiHandler.GetWallpaperHandler)
				r.Put("/wallpaper", apiHandler.SetWallpaperHandler)
			})

			r.Get("/users", apiHandler.SearchUsersHandler)
			r.Get("/users/{userID}", apiHandler.GetUserHandler)
			r.Get("/users/{userID}/presence", apiHandler.PresenceTextHandler)
			r.Patch("/profile", apiHandler.UpdateProfileHandler)

			r.Get("/calls", apiHandler.GetCallHandler)
			r.Post("/calls", apiHandler.StartCallHandler)
			r.Post("/calls/{action}", apiHandler.CallActionHandler)
			r.Post("/calls/{callID}/{action}", apiHandler.CallActionHandler)
		})
	})

	return r
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"instrumentq/internal/usecase"
)

// Info describes the server on /get_info.
type Info struct {
	Name       string
	Experiment string
	Contact    string
}

// Polling endpoints are hit continuously by waiting clients and are left out
// of the request log.
var quietPaths = map[string]bool{
	"/get_queue":           true,
	"/get_queue_iteration": true,
	"/queue_state":         true,
	"/driver_status":       true,
	"/get_server_time":     true,
	"/get_info":            true,
	"/is_server_live":      true,
}

type Server struct {
	engine *usecase.Engine
	tokens *Tokens
	info   Info
	router *chi.Mux
	now    func() time.Time
}

func NewServer(engine *usecase.Engine, tokens *Tokens, info Info) *Server {
	s := &Server{engine: engine, tokens: tokens, info: info, now: time.Now}

	r := chi.NewRouter()
	r.Post("/login", s.handleLogin)
	r.Get("/get_queue", s.handleGetQueue)
	r.Get("/get_queue_iteration", s.handleGetQueueIteration)
	r.Get("/queue_state", s.handleQueueState)
	r.Get("/get_queued_commands", s.handleQueuedCommands)
	r.Get("/get_unqueued_commands", s.handleUnqueuedCommands)
	r.Get("/unqueued/{command}", s.handleUnqueued)
	r.Post("/unqueued/{command}", s.handleUnqueued)
	r.Get("/driver_status", s.handleDriverStatus)
	r.Get("/get_info", s.handleInfo)
	r.Get("/get_server_time", s.handleServerTime)
	r.Get("/is_server_live", s.handleLive)
	r.Get("/get_archive", s.handleArchive)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(tokens))
		r.Get("/login_test", s.handleLoginTest)
		r.Post("/login_test", s.handleLoginTest)
		r.Post("/enqueue", s.handleEnqueue)
		r.Post("/pause", s.handlePause)
		r.Post("/debug", s.handleDebug)
		r.Post("/reorder_queue", s.handleReorder)
		r.Post("/remove_item", s.handleRemoveItem)
		r.Post("/remove_items", s.handleRemoveItems)
		r.Post("/move_item", s.handleMoveItem)
		r.Post("/clear_queue", s.handleClearQueue)
		r.Post("/clear_history", s.handleClearHistory)
		r.Post("/halt", s.handleHalt)
		r.Post("/deposit_obj", s.handleDepositObj)
		r.Post("/retrieve_obj", s.handleRetrieveObj)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
	s.router = r
	return s
}

// Handler returns the router wrapped in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return quietPaths[r.URL.Path] }),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

// Run serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	httpServer := http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		log.Info().Msg("server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		// The shutdown goroutine exits with ctx.
		return fmt.Errorf("listen and serve: %w", err)
	}

	<-done
	log.Info().Msg("server stopped")
	return nil
}

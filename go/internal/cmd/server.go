package main

import (
	"net/http"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/eventrelay/go/internal/config"
)

func setupServer(cfg config.ServerConfig, health http.Handler) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	mux.Handle("/health", health)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:    cfg.Addr,
		Handler: h2c.NewHandler(c.Handler(mux), &http2.Server{}),
	}
}

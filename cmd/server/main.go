package main

import (
	"log"

	"github.com/nfrund/blenny/internal/server"
)

func main() {
	// Create a new server instance. Routes are registered during
	// construction and the broker loop is already running.
	s, err := server.New()
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}

	// Start the server.
	s.Start(s.Cfg.GetHTTPAddr())
}

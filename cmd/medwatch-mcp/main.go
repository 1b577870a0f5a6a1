package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/careloop/medwatch/pkg/mcp"
)

// medwatch-mcp bridges a running medwatch-d to MCP clients over stdio.
func main() {
	// stdout carries the MCP protocol; all logging goes to stderr.
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "medwatch-mcp").Logger()

	var apiURL string
	flag.StringVar(&apiURL, "api", "http://127.0.0.1:8980", "Base URL of medwatch-d API")
	flag.Parse()

	if env := os.Getenv("MEDWATCH_API_URL"); env != "" {
		apiURL = env
	}

	server := mcp.NewServer(apiURL)
	log.Info().Str("api", apiURL).Msg("mcp server starting on stdio")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("mcp server failed")
	}
}

package server

import (
	"fmt"

	"github.com/crucible-dev/crucible/pkg/crucible"
)

type ServerType int

const (
	HTTP ServerType = iota
)

// A Server exposes the agent protocol and the experiment admin surface of a
// coordinator on a local port.
type Server interface {
	Init(port int, coordinator *crucible.Coordinator, tokens []string) error
}

func NewServer(serverType ServerType, port int, coordinator *crucible.Coordinator, tokens []string) (Server, error) {
	switch serverType {
	case HTTP:
		server := &httpServer{}
		return server, server.Init(port, coordinator, tokens)
	}
	return nil, fmt.Errorf("%d is not a valid server type", serverType)
}

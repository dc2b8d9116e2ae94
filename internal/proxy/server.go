package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Server wraps a proxy handler in an HTTP server bound to an ephemeral
// localhost port.
type Server struct {
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	addr     string
	bindAddr string // Address to bind to (default: 127.0.0.1)
	port     int    // Port to bind to (0 = OS-assigned)
}

// NewServer creates a server for the handler.
func NewServer(handler http.Handler) *Server {
	return &Server{
		handler:  handler,
		bindAddr: "127.0.0.1", // localhost only: the agent VM reaches us via port forward
	}
}

// SetBindAddr sets the address to bind to. Must be called before Start().
func (s *Server) SetBindAddr(addr string) {
	s.bindAddr = addr
}

// SetPort sets the port to bind to. Use 0 (default) for an OS-assigned port.
// Must be called before Start().
func (s *Server) SetPort(port int) {
	s.port = port
}

// Start binds the listener and begins serving in the background.
// By default binds to localhost only to prevent credential exposure to
// other hosts on the network.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.bindAddr, s.port))
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}

	s.listener = listener
	s.addr = listener.Addr().String()

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 60 * time.Second, // Prevent Slowloris attacks
	}

	go func() {
		_ = s.server.Serve(listener) // Serve blocks until Shutdown is called
	}()
	return nil
}

// Announce writes the bound port as a single line. The supervisor reads
// exactly one line to learn where to forward; nothing else may be written
// to the same stream.
func (s *Server) Announce(w io.Writer) error {
	if s.addr == "" {
		return fmt.Errorf("server not started")
	}
	_, err := fmt.Fprintf(w, "%s\n", s.Port())
	return err
}

// Addr returns the server address (host:port).
func (s *Server) Addr() string {
	return s.addr
}

// Port returns just the port number the server is listening on.
func (s *Server) Port() string {
	_, port, _ := net.SplitHostPort(s.addr)
	return port
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Command mudportal runs the WebSocket<->Telnet MUD proxy: it accepts
// browser WebSocket connections, negotiates Telnet with an upstream MUD on
// each session's behalf, and relays framed text between the two.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/anicolao/mudportal/internal/chatbus"
	"github.com/anicolao/mudportal/internal/config"
	"github.com/anicolao/mudportal/internal/manager"
	"github.com/anicolao/mudportal/internal/portallog"
	"github.com/anicolao/mudportal/internal/web"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mudportal: %v\n", err)
		return 1
	}

	log := portallog.New(os.Stdout, cfg.Debug)
	srvLog := log.Server()

	mgr := manager.New()
	bus := chatbus.NewWithCapacity(cfg.ChatLogPath, cfg.ChatHistory)
	srv := web.NewServer(cfg, mgr, bus, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGQUIT)

	errChan := make(chan error, 1)
	go func() {
		srvLog.Infof("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	exitCode := 0
	select {
	case sig := <-sigChan:
		srvLog.Infof("received %s, shutting down", sig)
	case <-quitChan:
		srvLog.Info("received SIGQUIT, shutting down")
		exitCode = 3
	case err := <-errChan:
		srvLog.Errorf("server error: %v", err)
		exitCode = 1
	}

	mgr.Shutdown("server shutting down")
	if err := srv.Close(); err != nil {
		srvLog.Warnf("error closing server: %v", err)
	}

	return exitCode
}

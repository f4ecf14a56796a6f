package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/CHA0S-CORP/general-disarray/internal/agent/app"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/call"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/config"
	"github.com/CHA0S-CORP/general-disarray/internal/agent/sipengine"
	"github.com/CHA0S-CORP/general-disarray/internal/banner"
	"github.com/CHA0S-CORP/general-disarray/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	registrar := cfg.SIPDomain
	if registrar == "" {
		registrar = "(none)"
	}
	banner.Print("CALL AGENT", []banner.ConfigLine{
		{Label: "SIP user", Value: cfg.SIPUser},
		{Label: "Registrar", Value: registrar},
		{Label: "Listen", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.SIPPort)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "RTP ports", Value: fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax)},
		{Label: "Sample rate", Value: fmt.Sprintf("%d Hz", cfg.SampleRate)},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	eng := sipengine.New(sipengine.Config{
		User:           cfg.SIPUser,
		Password:       cfg.SIPPassword,
		Domain:         cfg.SIPDomain,
		BindAddr:       cfg.BindAddr,
		Port:           cfg.SIPPort,
		AdvertiseAddr:  cfg.AdvertiseAddr,
		RTPPortMin:     cfg.RTPPortMin,
		RTPPortMax:     cfg.RTPPortMax,
		TempDir:        cfg.TempDir,
		RegisterExpiry: cfg.RegisterExpiry,
	})

	agent := app.New(app.Config{
		SampleRate:    cfg.SampleRate,
		DialTimeout:   cfg.DialTimeout,
		TempDir:       cfg.TempDir,
		DirectCapture: cfg.DirectCapture,
	}, eng)

	agent.OnIncomingCall(func(c *call.Call) {
		slog.Info("Call session ready", "call_id", c.ID, "from", c.RemoteURI)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Start(ctx); err != nil {
		slog.Error("Failed to start agent", "error", err)
		os.Exit(1)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	agent.Stop()
	logger.Info("Agent stopped")
}

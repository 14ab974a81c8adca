// ABOUTME: Minimal fake gateway for E2E testing: challenge/connect auth, pairing, streamed echo replies.
// ABOUTME: Usage: fake-gateway serve [-addr 127.0.0.1:18789] [-db devices.db] | approve|revoke DEVICE_ID | devices
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/littlebotshi/openclaw-glasses/internal/fakegateway"
	"github.com/littlebotshi/openclaw-glasses/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fake-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the fake gateway")
		fmt.Println("  devices            List known devices")
		fmt.Println("  approve DEVICE_ID  Pair a device")
		fmt.Println("  revoke DEVICE_ID   Withdraw a pairing")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "devices":
		err = runDevices(ctx, os.Args[2:])
	case "approve":
		err = runSetStatus(ctx, os.Args[2:], store.DeviceStatusApproved)
	case "revoke":
		err = runSetStatus(ctx, os.Args[2:], store.DeviceStatusRevoked)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

const defaultDB = "fake-gateway.db"

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:18789", "listen address")
	dbPath := fs.String("db", defaultDB, "device registry database")
	password := fs.String("password", "", "shared gateway password")
	autoApprove := fs.Bool("auto-approve", false, "pair unknown devices on first connect")
	secret := fs.String("token-secret", os.Getenv("FAKE_GATEWAY_TOKEN_SECRET"), "device token signing secret (random if empty)")
	chunkDelay := fs.Duration("chunk-delay", 50*time.Millisecond, "pause between streamed chunks")
	tick := fs.Duration("tick", 0, "tick event interval (0 disables)")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	registry, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		return fmt.Errorf("opening device registry: %w", err)
	}
	defer registry.Close()

	srv := fakegateway.New(fakegateway.Config{
		Password:     *password,
		Registry:     registry,
		AutoApprove:  *autoApprove,
		TokenSecret:  []byte(*secret),
		ChunkDelay:   *chunkDelay,
		TickInterval: *tick,
		Logger:       logger,
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("fake gateway listening on ws://%s\n", *addr)
	if *autoApprove {
		color.New(color.FgYellow).Println("  new devices are approved automatically")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	srv.DropAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openRegistry(args []string, name string) (*store.SQLiteStore, *flag.FlagSet, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	dbPath := fs.String("db", defaultDB, "device registry database")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	s, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening device registry: %w", err)
	}
	return s, fs, nil
}

func runDevices(ctx context.Context, args []string) error {
	s, _, err := openRegistry(args, "devices")
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := s.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices")
		return nil
	}
	for _, d := range devices {
		status := d.Status
		switch d.Status {
		case store.DeviceStatusApproved:
			status = color.GreenString(status)
		case store.DeviceStatusPending:
			status = color.YellowString(status)
		default:
			status = color.RedString(status)
		}
		fmt.Printf("%-8s %s  %s  last seen %s\n", status, d.DeviceID, d.DisplayName, d.LastSeen.Local().Format(time.DateTime))
	}
	return nil
}

func runSetStatus(ctx context.Context, args []string, status string) error {
	s, fs, err := openRegistry(args, status)
	if err != nil {
		return err
	}
	defer s.Close()

	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one DEVICE_ID")
	}
	deviceID := fs.Arg(0)
	if err := s.SetDeviceStatus(ctx, deviceID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unknown device %s; it must try to connect first", deviceID)
		}
		return err
	}
	fmt.Printf("%s %s\n", deviceID, status)
	return nil
}

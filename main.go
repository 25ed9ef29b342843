package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/0xli/openclaw-beagle-channel/beagle"
	"github.com/0xli/openclaw-beagle-channel/carrier/inproc"
)

// The demo runs two channel nodes over the in-process carrier: a bot that
// greets and echoes, and a visitor that messages it.
func main() {
	dataDir := flag.String("data", "", "data directory (default: ~/.openclaw/beagle-demo)")
	flag.Parse()

	if *dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("startup failed while resolving home directory: %v", err)
		}
		*dataDir = filepath.Join(home, ".openclaw", "beagle-demo")
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	hub := inproc.NewHub()

	bot, err := beagle.New(beagle.Options{
		DataDir: filepath.Join(*dataDir, "bot"),
		Carrier: hub.NewNode("bot"),
		Logger:  logger.Named("bot"),
	})
	if err != nil {
		log.Fatalf("startup failed while building bot channel: %v", err)
	}

	visitor, err := beagle.New(beagle.Options{
		DataDir: filepath.Join(*dataDir, "visitor"),
		Carrier: hub.NewNode("visitor"),
		Logger:  logger.Named("visitor"),
		OnIncoming: func(in beagle.Incoming) {
			if in.MediaPath != "" {
				fmt.Printf("visitor got media %s (%s, %d bytes) -> %s\n",
					in.Filename, in.MediaType, in.Size, in.MediaPath)
				return
			}
			fmt.Printf("visitor got text from %s: %s\n", in.Peer, in.Text)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while building visitor channel: %v", err)
	}

	if err := bot.Start(); err != nil {
		log.Fatalf("bot start failed: %v", err)
	}
	defer func() { _ = bot.Stop() }()
	if err := visitor.Start(); err != nil {
		log.Fatalf("visitor start failed: %v", err)
	}
	defer func() { _ = visitor.Stop() }()

	fmt.Printf("Bot User ID:     %s\n", bot.UserID())
	fmt.Printf("Bot Address:     %s\n", bot.Address())
	fmt.Printf("Data Directory:  %s\n", *dataDir)

	if err := visitor.AddFriend(bot.Address(), "demo visitor"); err != nil {
		log.Fatalf("friend request failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()

	st := bot.Status()
	fmt.Println("Status:          shutting down")
	fmt.Printf("Bot messages:    %d online, %d offline, last peer %s\n",
		st.OnlineCount, st.OfflineCount, st.LastPeer)
}

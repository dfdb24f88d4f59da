package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coedit/coedit/internal/config"
	"github.com/coedit/coedit/internal/ot"
	"github.com/coedit/coedit/internal/server"
	"github.com/coedit/coedit/internal/session"
	"github.com/coedit/coedit/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional yaml config file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var snaps store.SnapshotStore = store.NewMemory()
	var users *mongo.Collection
	if cfg.MongoURI != "" {
		client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatal(err)
		}
		defer client.Disconnect(context.Background())
		db := client.Database(cfg.MongoDB)
		snaps = store.NewMongo(db)
		users = db.Collection("users")
	} else {
		log.Println("no COEDIT_MONGO_URI set: in-memory snapshots, open access")
	}

	srv := server.New(nil, []byte(cfg.JWTSecret), users)
	registry := session.NewRegistry(session.RegistryConfig{
		Coordinator: session.Config{
			HistorySize: cfg.HistorySize,
			Limits: ot.Limits{
				MaxDocumentSize: cfg.MaxDocumentSize,
				MaxOpTextLength: cfg.MaxOpTextLength,
			},
			Broadcast:  srv.Broadcast,
			OnPresence: srv.PresenceChanged,
		},
		Store:            snaps,
		FlushInterval:    cfg.FlushInterval,
		RetiredCacheSize: cfg.RetiredCacheSize,
	})
	defer registry.Close()
	srv.SetRegistry(registry)

	log.Printf("listening on %s", cfg.Addr)
	if err := srv.Run(ctx, cfg.Addr); err != nil {
		log.Fatal(err)
	}
}

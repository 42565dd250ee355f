// cmd/litecored is the LiteCore daemon: it opens a database, exposes the
// admin HTTP API for document access and replicator control, and accepts
// incoming sync connections on /sync.
//
// Example:
//
//	./litecored --addr :4984 --data-dir /var/litecore/db1
//
// Replicate from another node:
//
//	curl -X POST localhost:4984/replicators \
//	     -d '{"url":"ws://other:4984/sync","pull":true,"continuous":true}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"litecore/internal/api"
	"litecore/internal/checkpoint"
	"litecore/internal/docstore"
	"litecore/internal/logging"
	"litecore/internal/peer"
	"litecore/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// identityRecord persists the database's durable peer identity across
// restarts; losing the private UUID would orphan every checkpoint.
type identityRecord struct {
	Public  string `json:"public"`
	Private string `json:"private"`
	WireID  uint64 `json:"wireID"`
}

const identityKeyspace storage.Keyspace = "local"

func loadOrCreateIdentity(eng storage.Engine) (peer.Identity, peer.ID, error) {
	tx, err := eng.BeginTx()
	if err != nil {
		return peer.Identity{}, 0, err
	}
	entry, ok, err := tx.Get(identityKeyspace, "identity")
	if err != nil {
		tx.Abort()
		return peer.Identity{}, 0, err
	}
	if ok {
		tx.Abort()
		var rec identityRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return peer.Identity{}, 0, err
		}
		var id peer.Identity
		if err := id.Public.UnmarshalText([]byte(rec.Public)); err != nil {
			return peer.Identity{}, 0, err
		}
		if err := id.Private.UnmarshalText([]byte(rec.Private)); err != nil {
			return peer.Identity{}, 0, err
		}
		return id, peer.ID(rec.WireID), nil
	}

	id := peer.NewIdentity()
	wireID := peer.New()
	data, _ := json.Marshal(identityRecord{
		Public: id.Public.String(), Private: id.Private.String(), WireID: uint64(wireID),
	})
	if err := tx.Put(identityKeyspace, "identity", data, nil); err != nil {
		tx.Abort()
		return peer.Identity{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return peer.Identity{}, 0, err
	}
	return id, wireID, nil
}

func main() {
	addr := flag.String("addr", ":4984", "Listen address (host:port)")
	dataDir := flag.String("data-dir", "/tmp/litecore", "Directory for the database files")
	scope := flag.String("scope", "_default", "Default collection scope")
	collName := flag.String("collection", "_default", "Default collection name")
	dev := flag.Bool("dev", false, "Development logging (human-readable)")
	flag.Parse()

	if *dev {
		if l, err := zap.NewDevelopment(); err == nil {
			logging.SetGlobal(l)
		}
	}
	logger := logging.For("litecored")

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	eng, err := storage.OpenMemEngine(filepath.Join(*dataDir, "litecore.wal"))
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer eng.Close()

	if v, err := eng.UserVersion(); err == nil {
		if upgrade, verr := storage.CheckUserVersion(v); verr != nil {
			log.Fatalf("database schema: %v", verr)
		} else if upgrade {
			logger.Infow("legacy schema accepted for upgrade", "version", v)
			eng.SetUserVersion(storage.CurrentSchemaVersion)
		}
	}

	identity, wireID, err := loadOrCreateIdentity(eng)
	if err != nil {
		log.Fatalf("load identity: %v", err)
	}

	coll := docstore.Open(eng, *scope, *collName)
	peerStore := checkpoint.NewPeerStore(eng)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(), api.Recovery())

	handler := api.NewHandler([]*docstore.Collection{coll}, peerStore, identity, wireID)
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"publicUUID": identity.Public.String(),
			"collection": *scope + "/" + *collName,
		})
	})

	srv := &http.Server{
		Addr:        *addr,
		Handler:     router,
		ReadTimeout: 0, // /sync holds long-lived WebSockets
	}

	go func() {
		logger.Infow("listening", "addr", *addr, "data", *dataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Background sweep for expired documents.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			purged, err := coll.PurgeExpiredDocs(time.Now())
			if err != nil {
				logger.Errorw("expiry sweep failed", "error", err)
			} else if len(purged) > 0 {
				logger.Infow("purged expired documents", "count", len(purged))
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infow("shutting down")
	handler.CloseAll()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorw("server shutdown", "error", err)
	}
}

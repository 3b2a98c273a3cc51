package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/moduly/moduly/cmd/retrieval/embed"
	"github.com/moduly/moduly/cmd/retrieval/handlers"
	"github.com/moduly/moduly/cmd/retrieval/service"
	"github.com/moduly/moduly/common/bootstrap"
	"github.com/moduly/moduly/common/crypto"
	"github.com/moduly/moduly/common/repository"
	"github.com/moduly/moduly/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "retrieval",
		bootstrap.WithoutQueue(),
		bootstrap.WithoutCache(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	fernet, err := crypto.NewFernet(cfg.Crypto.SecretKey)
	if err != nil {
		log.Error("invalid content encryption key", "error", err)
		os.Exit(1)
	}

	knowledgeRepo := repository.NewKnowledgeRepository(components.DB)
	chunkRepo := repository.NewChunkRepository(components.DB)
	embedder := embed.NewOpenAIEmbedder(cfg.Retrieval.OpenAIAPIKey, cfg.Retrieval.OpenAIBaseURL)
	generator := service.NewOpenAIGenerator(cfg.Retrieval.OpenAIAPIKey, cfg.Retrieval.OpenAIBaseURL, "")

	search := service.NewSearchService(&service.SearchOpts{
		KBs:       knowledgeRepo,
		Chunks:    chunkRepo,
		Embedder:  embedder,
		Generator: generator,
		Fernet:    fernet,
		Config:    cfg.Retrieval,
		Logger:    log,
	})
	sync := service.NewSyncService(&service.SyncOpts{
		Docs:     knowledgeRepo,
		Chunks:   chunkRepo,
		Embedder: embedder,
		Fernet:   fernet,
		Locks:    service.NewRedisDocumentLocker(components.Redis, cfg.Retrieval.DocumentLockTTL),
		Source:   service.NewDBContentSource(components.DB),
		Config:   cfg.Retrieval,
		Logger:   log,
	})

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())

	handler := handlers.NewRetrievalHandler(search, sync, log)
	e.POST("/v1/retrieval/search", handler.Search)
	e.POST("/v1/retrieval/sync/document", handler.SyncDocument)
	e.POST("/v1/retrieval/sync/kb", handler.SyncKB)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	srv := server.New("retrieval", cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

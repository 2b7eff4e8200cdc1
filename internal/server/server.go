package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/pavel-fokin/files-depot/internal/auth"
	"github.com/pavel-fokin/files-depot/internal/catalog"
	"github.com/pavel-fokin/files-depot/internal/files"
	"github.com/pavel-fokin/files-depot/internal/fs"
	"github.com/pavel-fokin/files-depot/internal/sqlite"
)

type Server struct {
	*http.Server

	files *files.Service
	users *sqlite.Repository
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.logLevel(),
	}))
	slog.SetDefault(logger)

	osFs := afero.NewOsFs()
	storage, err := fs.NewStorage(osFs, cfg.uploadDir(), cfg.stagingDir(), cfg.trashDir())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	store, err := catalog.NewStore(osFs, cfg.CatalogPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	repo, err := sqlite.NewRepository(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	ctx := context.Background()

	seeds, err := sqlite.ParseSeedUsers(cfg.SeedUsers)
	if err != nil {
		repo.Close()
		return nil, err
	}
	created, err := repo.Seed(ctx, seeds)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to seed users: %w", err)
	}
	if created > 0 {
		slog.Info("Seeded users", "count", created)
	}

	fileService := files.NewService(storage, store, files.Options{
		MaxSize:           cfg.MaxSize,
		AllowedExtensions: cfg.AllowedExtensions,
		Logger:            logger,
	})

	report, err := fileService.Reconcile(ctx, cfg.PruneOrphans)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to reconcile storage: %w", err)
	}
	slog.Info("Storage reconciled",
		"swept", report.Swept,
		"orphans", len(report.Orphans),
		"dangling", len(report.Dangling),
		"pruned", report.Pruned,
		"restored", len(report.Restored),
	)

	sessions := auth.NewSessions(cfg.SecretKey, cfg.SessionTTL)
	throttle := newLoginThrottle(cfg.LoginRate, cfg.LoginBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthz)
	mux.HandleFunc("POST /login", login(cfg, sessions, repo, throttle))
	mux.HandleFunc("POST /logout", logout(cfg))
	mux.HandleFunc("GET /api/session", session)
	mux.HandleFunc("POST /api/upload", uploadFile(cfg, fileService))
	mux.HandleFunc("POST /api/admin/update/{filename}", updateFile(cfg, fileService))
	mux.HandleFunc("DELETE /api/admin/delete/{filename}", deleteFile(fileService))
	mux.HandleFunc("GET /api/items", listPublic(fileService))
	mux.HandleFunc("GET /api/admin/items", listAll(fileService))
	mux.HandleFunc("GET /files/{filename}", download(fileService))
	if cfg.PublicDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(cfg.PublicDir)))
	}

	handler := loggingMiddleware(
		limitBody(authenticate(sessions, repo, mux), cfg.MaxSize+multipartOverhead),
	)

	return &Server{
		Server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.UploadTimeout,
			WriteTimeout:      cfg.UploadTimeout,
			IdleTimeout:       120 * time.Second,
		},
		files: fileService,
		users: repo,
	}, nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// the user store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Server.Shutdown(ctx)
	if cerr := s.users.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

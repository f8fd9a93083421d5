package main

import (
	"context"
	"flag"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/isucon/isucon8-final/internal/api"
	"github.com/isucon/isucon8-final/internal/auditlog"
	"github.com/isucon/isucon8-final/internal/auth"
	"github.com/isucon/isucon8-final/internal/bank"
	"github.com/isucon/isucon8-final/internal/config"
	"github.com/isucon/isucon8-final/internal/db"
	"github.com/isucon/isucon8-final/internal/exchange"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config failed")
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()

	bk, err := bank.New(cfg.Bank.Endpoint, cfg.Bank.AppID)
	if err != nil {
		logrus.WithError(err).Fatal("init bank client failed")
	}
	audit, err := auditlog.New(cfg.Log.Endpoint, cfg.Log.AppID)
	if err != nil {
		logrus.WithError(err).Fatal("init audit log client failed")
	}

	database, err := db.New(ctx, cfg.DatabaseURL, bk, audit)
	if err != nil {
		logrus.WithError(err).Fatal("connect to database failed")
	}
	defer database.Close()

	engine := exchange.NewEngine(database)
	authService := auth.NewService(database, bk, cfg.JWTSecret)
	hub := api.NewHub()
	handler := api.NewHandler(database, engine, authService, hub)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/signup", handler.Signup)
	r.Post("/signin", handler.Signin)
	r.With(handler.OptionalAuthMiddleware).Get("/info", handler.Info)
	r.Get("/ws", hub.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(handler.AuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
	})

	logrus.WithField("addr", cfg.Addr).Info("starting server")
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		logrus.WithError(err).Fatal("server failed")
	}
}

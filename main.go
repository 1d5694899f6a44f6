package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cppla/monascore/chain"
	"github.com/cppla/monascore/config"
	"github.com/cppla/monascore/models"
	"github.com/cppla/monascore/repository"
	"github.com/cppla/monascore/routes"
	"github.com/cppla/monascore/services"
	"github.com/cppla/monascore/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer func() { _ = utils.Logger.Sync() }()

	db := config.InitDatabase(&models.User{})

	reader, err := chain.NewEVMReader(context.Background(), chain.ReaderConfig{
		RPCURL:          cfg.RPCURL,
		ContractAddress: cfg.ContractAddress,
		Retry: chain.RetryConfig{
			Attempts: cfg.ChainRetryAttempts,
			Delay:    time.Duration(cfg.ChainRetryDelayMS) * time.Millisecond,
			Timeout:  time.Duration(cfg.ChainCallTimeoutMS) * time.Millisecond,
		},
		RatePerSecond: cfg.ChainRatePerSecond,
		RateBurst:     cfg.ChainRateBurst,
	}, utils.Logger)
	if err != nil {
		utils.Sugar.Fatalf("chain reader: %v", err)
	}

	rdb := utils.GetRedis()
	store := repository.NewCachedUserStore(
		repository.NewUserRepository(db),
		rdb,
		time.Duration(cfg.UserCacheTTLSec)*time.Second,
		utils.Logger,
	)

	users := services.NewUserService(reader, store, services.Policy{
		RequireTx:     cfg.RequireTx,
		ReferralBonus: cfg.ReferralBonus,
	}, utils.Logger)

	r := routes.SetupRouter(cfg, users, utils.Logger)

	cleanups := []func(){reader.Close}
	if rdb != nil {
		cleanups = append(cleanups, func() { _ = rdb.Close() })
	}
	if sqlDB, err := db.DB(); err == nil {
		cleanups = append(cleanups, func() { _ = sqlDB.Close() })
	}

	utils.Sugar.Infof("Starting server on port %s (graceful), contract %s", cfg.AppPort, cfg.ContractAddress)
	if err := utils.GraceServer(":"+cfg.AppPort, r, cleanups...); err != nil && !errors.Is(err, http.ErrServerClosed) {
		utils.Sugar.Fatalf("server stopped with error: %v", err)
	}
}

package main

import (
	"os"

	"crypto-tracker/config"
	"crypto-tracker/database"
	"crypto-tracker/handlers"
	"crypto-tracker/middleware"
	"crypto-tracker/prices"
	"crypto-tracker/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file, using process environment")
	}
	config.InitLogger()

	// Initialize PostgreSQL and Redis connections.
	config.InitDB()
	config.InitRedis()

	sqlDB, err := config.DB.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get database instance")
	}
	defer sqlDB.Close()

	if err := database.AutoMigrate(config.DB); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate models")
	}

	priceSvc := prices.NewService(&prices.RedisCache{Rdb: config.Rdb}, config.DB, log.Logger)
	portfolioSvc := services.NewPortfolioService(config.DB, log.Logger)

	router := gin.Default()

	// Public routes
	router.POST("/signup", handlers.Signup)
	router.POST("/login", handlers.Login)

	// Protected routes
	auth := router.Group("/")
	auth.Use(middleware.JWTAuth())
	{
		auth.GET("/portfolio", handlers.GetPortfolio(portfolioSvc, priceSvc))
		auth.POST("/trade", handlers.ExecuteTrade(portfolioSvc, priceSvc))
		auth.GET("/prices", handlers.GetPrices(priceSvc))
		auth.GET("/prices/:symbol", handlers.GetPrice(priceSvc))
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	if err := router.Run(":" + port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

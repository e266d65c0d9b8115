package handlers

import (
	"net/http"

	"crypto-tracker/prices"

	"github.com/gin-gonic/gin"
)

// GetPrices returns current USD price and 24h change for all supported assets.
func GetPrices(priceSvc *prices.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		quotes, err := priceSvc.Quotes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to fetch crypto prices"})
			return
		}
		c.JSON(http.StatusOK, quotes)
	}
}

// GetPrice returns the quote for a single symbol.
func GetPrice(priceSvc *prices.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if !prices.IsSupported(symbol) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Unsupported symbol"})
			return
		}

		quote, err := priceSvc.Quote(c.Request.Context(), symbol)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to fetch crypto price"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": quote.PriceUSD, "change_24h": quote.Change24h})
	}
}

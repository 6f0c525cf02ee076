package api

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"botcore/internal/credentials"
	"botcore/internal/registry"
	"botcore/pkg/db"

	"github.com/denisbrodbeck/machineid"
	"github.com/gin-gonic/gin"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// startBot launches the user's execution unit for a symbol.
func (s *Server) startBot(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if !symbolPattern.MatchString(req.Symbol) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_SYMBOL",
			"error": "symbol must be an uppercase pair like BTCUSDT",
		})
		return
	}

	userID := CurrentUserID(c)
	err := s.Registry.StartUnit(c.Request.Context(), userID, req.Symbol)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "started", "symbol": req.Symbol})
	case errors.Is(err, registry.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{
			"code":  "BOT_ALREADY_RUNNING",
			"error": "a bot is already running for this account",
		})
	case errors.Is(err, credentials.ErrNoCredentials):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "NO_CREDENTIALS",
			"error": "save exchange API keys before starting the bot",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"code":  "START_FAILED",
			"error": err.Error(),
		})
	}
}

// stopBot halts the user's unit. Stopping an already-stopped bot succeeds.
// The open position, if any, stays open on the exchange.
func (s *Server) stopBot(c *gin.Context) {
	if err := s.Registry.StopUnit(CurrentUserID(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "STOP_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// getBotStatus returns the unit's local snapshot; it never calls the venue.
func (s *Server) getBotStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Registry.UnitStatus(CurrentUserID(c)))
}

// saveCredentials encrypts and stores the user's exchange API keys.
func (s *Server) saveCredentials(c *gin.Context) {
	var req struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
		Testnet   bool   `json:"testnet"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	req.APISecret = strings.TrimSpace(req.APISecret)
	if req.APIKey == "" || req.APISecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_KEYS",
			"error": "api_key and api_secret are required",
		})
		return
	}

	if err := s.Creds.Save(c.Request.Context(), CurrentUserID(c), req.APIKey, req.APISecret, req.Testnet); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "SAVE_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "testnet": req.Testnet})
}

// updateSettings stores per-user trading parameters used at the next start.
func (s *Server) updateSettings(c *gin.Context) {
	var req struct {
		OrderSizeUSDT     float64 `json:"order_size_usdt"`
		Leverage          int     `json:"leverage"`
		StopLossPercent   float64 `json:"stop_loss_percent"`
		TakeProfitPercent float64 `json:"take_profit_percent"`
		Timeframe         string  `json:"timeframe"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if req.OrderSizeUSDT <= 0 || req.Leverage < 1 || req.Leverage > 125 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_SETTINGS",
			"error": "order size must be positive and leverage between 1 and 125",
		})
		return
	}
	switch req.Timeframe {
	case "1m", "5m", "15m", "30m", "1h", "4h", "1d":
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_TIMEFRAME",
			"error": "unsupported timeframe",
		})
		return
	}

	settings := db.BotSettings{
		OrderSizeUSDT:     req.OrderSizeUSDT,
		Leverage:          req.Leverage,
		StopLossPercent:   req.StopLossPercent,
		TakeProfitPercent: req.TakeProfitPercent,
		Timeframe:         req.Timeframe,
	}
	if err := s.DB.UpdateBotSettings(c.Request.Context(), CurrentUserID(c), settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "UPDATE_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// listTrades returns the user's trade history, newest first.
func (s *Server) listTrades(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_LIMIT",
				"error": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	trades, err := s.DB.ListTradesByUser(c.Request.Context(), CurrentUserID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "LIST_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// getAdminStats aggregates registry and persistence counters for dashboards.
// The instance fingerprint ties the numbers to a host when several instances
// report into one dashboard.
func (s *Server) getAdminStats(c *gin.Context) {
	running, err := s.DB.CountUsersByBotStatus(c.Request.Context(), db.BotStatusRunning)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "STATS_FAILED",
			"error": err.Error(),
		})
		return
	}

	fingerprint, err := machineid.ProtectedID("botcore")
	if err != nil {
		fingerprint = "unknown"
	}

	c.JSON(http.StatusOK, gin.H{
		"instance":      fingerprint,
		"version":       s.Meta.Version,
		"registry":      s.Registry.AggregateStats(),
		"running_in_db": running,
		"recorder":      s.Recorder.GetMetrics(),
	})
}

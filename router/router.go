package router

import (
	"ModelVault/internal/handler"
	"ModelVault/utils"

	"github.com/gin-gonic/gin"
)

// InitRouter builds API routes.
func InitRouter(h *handler.Handler) *gin.Engine {
	r := gin.Default()
	r.Use(utils.CORSMiddleware())

	api := r.Group("/api")
	{
		downloads := api.Group("/downloads")
		{
			downloads.POST("", h.Enqueue)
			downloads.GET("", h.StatusAll)
			downloads.GET("/events", h.Events)
			downloads.POST("/clear", h.ClearFinished)
			downloads.POST("/concurrency", h.SetConcurrency)
			downloads.GET("/:id", h.Status)
			downloads.POST("/:id/pause", h.Pause)
			downloads.POST("/:id/resume", h.Resume)
			downloads.POST("/:id/cancel", h.Cancel)
			downloads.DELETE("/:id", h.Remove)
		}

		api.GET("/history", h.HistoryList)
		api.POST("/history/clear", h.HistoryClear)
		api.GET("/space", h.DiskSpace)
	}
	return r
}

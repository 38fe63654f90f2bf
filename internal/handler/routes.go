package handler

import e "github.com/labstack/echo/v4"

func RegisterRoutes(server *e.Echo, queue *QueueHandler, imports *ImportHandler) {
	api := server.Group("/api/v1")

	api.POST("/transactions", queue.Enqueue)
	api.GET("/queue", queue.List)
	api.POST("/queue/flush", queue.Flush)
	api.DELETE("/queue", queue.Clear)
	api.PUT("/connectivity", queue.SetConnectivity)
	api.PUT("/offline-mode", queue.SetOfflineMode)

	api.POST("/imports", imports.Create)
	api.GET("/imports/:id", imports.Get)
	api.DELETE("/imports/:id", imports.Close)
	api.PATCH("/imports/:id/rows/:row", imports.SetInclude)
	api.POST("/imports/:id/proceed", imports.Proceed)
	api.POST("/imports/:id/back", imports.Back)
	api.POST("/imports/:id/cancel", imports.Cancel)
	api.POST("/imports/:id/confirm", imports.Confirm)
	api.POST("/imports/:id/retry-failed", imports.RetryFailed)
	api.GET("/imports/:id/failures.csv", imports.FailuresCSV)
}

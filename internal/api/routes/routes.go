package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/audioproctor/internal/api/handlers"
	"github.com/yoockh/audioproctor/internal/api/middleware"
	"github.com/yoockh/audioproctor/internal/services"
)

type Deps struct {
	JWT     middleware.JWTConfig
	Users   services.UserService
	Session *handlers.SessionHandler
	Audio   *handlers.AudioHandler
	Flags   *handlers.FlagHandler
	WS      *handlers.WSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	api := r.Group("/api")
	api.Use(middleware.JWTAuth(d.JWT, d.Users))

	student := middleware.RequireStudent()
	teacher := middleware.RequireTeacher()

	audio := api.Group("/audio")
	audio.POST("/session/start", student, d.Session.Start)
	audio.POST("/session/:session_id/end", student, d.Session.End)
	audio.GET("/session/:session_id", d.Session.Get)
	audio.GET("/session/:session_id/chunks", d.Audio.SessionChunks)
	audio.POST("/upload", student, d.Audio.Upload)
	audio.POST("/flag", student, d.Audio.Flag)
	audio.GET("/chunk/:chunk_id", d.Audio.Chunk)
	audio.GET("/play/:chunk_id", teacher, d.Audio.Play)

	api.GET("/flags", d.Flags.List)
	api.POST("/flags", student, d.Flags.Create)
	api.GET("/flags/:flag_id", d.Flags.Get)
	api.PUT("/flags/:flag_id", teacher, d.Flags.Update)

	// WebSocket; browsers pass the token as ?token=
	ws := r.Group("/ws")
	ws.Use(middleware.JWTAuth(d.JWT, d.Users), teacher)
	ws.GET("/monitor/:exam_id", d.WS.Monitor)
}

package rest

import "github.com/gin-gonic/gin"

// envelope is the body of every REST response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, status int, data any, message string) {
	c.JSON(status, envelope{Success: true, Data: data, Message: message})
}

func fail(c *gin.Context, status int, errMsg, message string) {
	c.AbortWithStatusJSON(status, envelope{Success: false, Error: errMsg, Message: message})
}

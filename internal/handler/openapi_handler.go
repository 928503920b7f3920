package handler

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed openapi.json
var openapiSpec []byte

// OpenAPI serves the static API description document.
func OpenAPI(c *gin.Context) {
	c.Data(http.StatusOK, "application/json", openapiSpec)
}

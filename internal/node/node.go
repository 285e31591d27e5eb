package node

import "github.com/gin-gonic/gin"

// Node is one addressable docmesh service process.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}

package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/tingly-relay/internal/config"
)

// Model is one entry of the /models list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI list envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ListModels lists the configured model patterns with the provider
// serving each.
func (s *Server) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, modelList(s.store.Current()))
}

func modelList(cfg *config.Config) ModelList {
	created := time.Now().Unix()
	list := ModelList{Object: "list", Data: make([]Model, 0, len(cfg.Models))}
	for _, m := range cfg.Models {
		list.Data = append(list.Data, Model{
			ID:      m.Match,
			Object:  "model",
			Created: created,
			OwnedBy: m.Provider,
		})
	}
	return list
}

// Health reports liveness and the loaded configuration.
func (s *Server) Health(c *gin.Context) {
	cfg := s.store.Current()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.version,
		"config":    cfg.Path(),
		"providers": len(cfg.Providers),
		"models":    cfg.ModelNames(),
	})
}

package main

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/mock"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/service/mcp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// A memory server that answers questions from correction records only
func main() {
	var mu sync.Mutex
	answers := make(map[string]string)

	mem := &mock.MemorySystem{
		SearchFunc: func(ctx context.Context, userID, query string, opts *interfaces.SearchOptions) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			return answers[userID+"/"+query], nil
		},
		BuildMemoryFunc: func(ctx context.Context, userID string, dialogue model.Dialogue) (*model.BuildResult, error) {
			return &model.BuildResult{
				Status:        model.BuildStatusBuilt,
				Summary:       strings.Join([]string{"dialogue of", userID}, " "),
				MemoriesCount: len(dialogue),
			}, nil
		},
		AddMemoryFunc: func(ctx context.Context, userID, content string, metadata map[string]string) (model.MemoryID, error) {
			mu.Lock()
			defer mu.Unlock()
			answers[userID+"/"+metadata[model.MetaQuestion]] = metadata[model.MetaTrueAnswer]
			return model.NewMemoryID(), nil
		},
	}

	server := mcp.NewMemoryServer(mem)
	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

package rag_service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatforge/kbingest/config"
)

func TestQueryRequiresClientID(t *testing.T) {
	service := NewKnowledgeService(config.Config{}, slog.Default(), nil, nil)
	_, err := service.Query(context.Background(), "", "anything", 0, 0)
	assert.ErrorIs(t, err, ErrClientIDRequired)
}

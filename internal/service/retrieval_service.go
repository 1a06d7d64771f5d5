package service

import (
	"context"

	"biomeai-go/internal/model"
	"biomeai-go/internal/repository"
	"biomeai-go/pkg/embedding"
	"biomeai-go/pkg/log"
)

// RetrievalService 负责把查询文本向量化并在报告内做最近邻检索。
// 检索严格限定在单个报告的分块内，不跨报告。
type RetrievalService interface {
	Retrieve(ctx context.Context, reportID uint, query string, k int) ([]*model.ReportChunk, error)
}

type retrievalService struct {
	embeddingClient embedding.Client
	chunkRepo       repository.ChunkRepository
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(embeddingClient embedding.Client, chunkRepo repository.ChunkRepository) RetrievalService {
	return &retrievalService{
		embeddingClient: embeddingClient,
		chunkRepo:       chunkRepo,
	}
}

// Retrieve 向量化查询文本并返回余弦距离最近的 k 个分块。
// 向量化失败时重试一次，再失败则返回 EmbeddingError 由调用方决定文案。
func (s *retrievalService) Retrieve(ctx context.Context, reportID uint, query string, k int) ([]*model.ReportChunk, error) {
	queryEmbedding, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		log.Warnf("[RetrievalService] 查询向量化失败，重试一次: %v", err)
		queryEmbedding, err = s.embeddingClient.CreateEmbedding(ctx, query)
		if err != nil {
			return nil, err
		}
	}

	chunks, err := s.chunkRepo.TopKByEmbedding(reportID, queryEmbedding, k)
	if err != nil {
		return nil, err
	}
	log.Infof("[RetrievalService] 检索完成, ReportID: %d, k: %d, 命中: %d", reportID, k, len(chunks))
	return chunks, nil
}

// ChunkContents 提取分块文本，保持检索返回的顺序。
func ChunkContents(chunks []*model.ReportChunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Content)
	}
	return out
}

// ChunkIDs 提取分块 ID，保持检索返回的顺序，用于消息上的引用追溯。
func ChunkIDs(chunks []*model.ReportChunk) []uint {
	out := make([]uint, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ID)
	}
	return out
}

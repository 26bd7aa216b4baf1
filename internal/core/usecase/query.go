package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

// QueryService is the read model behind the API and the operator CLI.
type QueryService struct {
	repo      ports.KnowledgeRepository
	workspace ports.Workspace
}

func NewQueryService(repo ports.KnowledgeRepository, workspace ports.Workspace) *QueryService {
	return &QueryService{repo: repo, workspace: workspace}
}

func (uc *QueryService) GetClassification(ctx context.Context, documentID string) (*domain.ClassificationRecord, error) {
	rec, err := uc.repo.GetClassification(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	return rec, nil
}

func (uc *QueryService) ListCategories(ctx context.Context) ([]domain.CategoryProfile, error) {
	profiles, err := uc.repo.LoadProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

func (uc *QueryService) ListDeadLetters(ctx context.Context) ([]domain.DeadLetterRecord, error) {
	records, err := uc.workspace.ListDeadLetters(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return records, nil
}

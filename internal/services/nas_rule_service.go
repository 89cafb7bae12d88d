package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/mikrotik"
	"github.com/proisp/sharing/internal/models"
)

// NasRuleService resolves NAS rows and delegates TTL rule provisioning
type NasRuleService struct {
	db      *gorm.DB
	rules   *mikrotik.TTLRuleManager
	timeout time.Duration
}

func NewNasRuleService(db *gorm.DB, rules *mikrotik.TTLRuleManager, timeout time.Duration) *NasRuleService {
	if timeout <= 0 {
		timeout = DefaultNasQueryTimeout
	}
	return &NasRuleService{db: db, rules: rules, timeout: timeout}
}

// ListStatus reports rule status for every active NAS, in id order
func (s *NasRuleService) ListStatus(ctx context.Context) ([]mikrotik.NasRuleStatus, error) {
	var nasList []models.Nas
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&nasList).Error; err != nil {
		return nil, fmt.Errorf("list active nas: %w", err)
	}

	targets := make([]mikrotik.Target, len(nasList))
	for i, n := range nasList {
		targets[i] = NasTarget(n)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rules.ListRuleStatus(ctx, targets), nil
}

// Generate reconciles the TTL rules on one NAS
func (s *NasRuleService) Generate(ctx context.Context, nasID uint) (mikrotik.RuleResult, error) {
	target, err := s.target(ctx, nasID)
	if err != nil {
		return mikrotik.RuleResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rules.GenerateRules(ctx, target)
}

// Remove deletes the TTL rules from one NAS
func (s *NasRuleService) Remove(ctx context.Context, nasID uint) (mikrotik.RuleResult, error) {
	target, err := s.target(ctx, nasID)
	if err != nil {
		return mikrotik.RuleResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.rules.RemoveRules(ctx, target)
}

func (s *NasRuleService) target(ctx context.Context, nasID uint) (mikrotik.Target, error) {
	var nas models.Nas
	err := s.db.WithContext(ctx).First(&nas, nasID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return mikrotik.Target{}, ErrNasNotFound
	}
	if err != nil {
		return mikrotik.Target{}, fmt.Errorf("load nas: %w", err)
	}
	return NasTarget(nas), nil
}

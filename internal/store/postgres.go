package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresStore is a gorm-backed CycleStore. Begin takes a row lock on the
// position's latest record so two workers cannot both observe a terminal
// phase and both create a new cycle.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore creates a CycleStore on the given database
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Begin atomically creates a Claiming record unless one is already active
func (s *PostgresStore) Begin(ctx context.Context, pool, owner string) (*CycleRecord, error) {
	key := gateway.PositionKey(pool, owner)
	var created models.Cycle

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest models.Cycle
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("position_key = ?", key).
			Order("id DESC").
			First(&latest).Error

		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load latest cycle: %w", err)
		}

		if err == nil && !Phase(latest.Phase).Terminal() {
			return ErrCycleActive
		}

		created = models.Cycle{
			PositionKey: key,
			PoolAddress: pool,
			Owner:       owner,
			Phase:       string(PhaseClaiming),
			StartedAt:   tx.NowFunc(),
		}
		if err := tx.Create(&created).Error; err != nil {
			return fmt.Errorf("failed to create cycle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return fromModel(&created)
}

// Update persists the record's current state
func (s *PostgresStore) Update(ctx context.Context, rec *CycleRecord) error {
	model, err := toModel(rec)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&models.Cycle{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"phase":            model.Phase,
			"claimed":          model.Claimed,
			"claimed_amount_x": model.ClaimedAmountX,
			"claimed_amount_y": model.ClaimedAmountY,
			"claim_tx_refs":    model.ClaimTxRefs,
			"reinvest_tx_ref":  model.ReinvestTxRef,
			"last_error":       model.LastError,
			"attempts":         model.Attempts,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update cycle %d: %w", rec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Latest returns the most recent record for the position key
func (s *PostgresStore) Latest(ctx context.Context, key string) (*CycleRecord, error) {
	var model models.Cycle
	err := s.db.WithContext(ctx).
		Where("position_key = ?", key).
		Order("id DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest cycle: %w", err)
	}
	return fromModel(&model)
}

// ListActive returns all records in a non-terminal phase
func (s *PostgresStore) ListActive(ctx context.Context) ([]*CycleRecord, error) {
	var rows []models.Cycle
	err := s.db.WithContext(ctx).
		Where("phase NOT IN ?", []string{string(PhaseCompleted), string(PhaseFailed)}).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active cycles: %w", err)
	}

	records := make([]*CycleRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromModel(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func toModel(rec *CycleRecord) (*models.Cycle, error) {
	model := &models.Cycle{
		PositionKey:   rec.PositionKey,
		PoolAddress:   rec.PoolAddress,
		Owner:         rec.Owner,
		Phase:         string(rec.Phase),
		ReinvestTxRef: rec.ReinvestTxRef,
		LastError:     rec.LastError,
		Attempts:      rec.Attempts,
		StartedAt:     rec.StartedAt,
	}
	model.ID = rec.ID

	if rec.Claim != nil {
		refs, err := json.Marshal(rec.Claim.TxRefs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal claim tx refs: %w", err)
		}
		model.Claimed = true
		model.ClaimedAmountX = rec.Claim.AmountX
		model.ClaimedAmountY = rec.Claim.AmountY
		model.ClaimTxRefs = string(refs)
	}

	return model, nil
}

func fromModel(model *models.Cycle) (*CycleRecord, error) {
	rec := &CycleRecord{
		ID:            model.ID,
		PositionKey:   model.PositionKey,
		PoolAddress:   model.PoolAddress,
		Owner:         model.Owner,
		Phase:         Phase(model.Phase),
		ReinvestTxRef: model.ReinvestTxRef,
		LastError:     model.LastError,
		Attempts:      model.Attempts,
		StartedAt:     model.StartedAt,
		UpdatedAt:     model.UpdatedAt,
	}

	if model.Claimed {
		claim := &gateway.ClaimResult{
			AmountX: model.ClaimedAmountX,
			AmountY: model.ClaimedAmountY,
		}
		if model.ClaimTxRefs != "" {
			if err := json.Unmarshal([]byte(model.ClaimTxRefs), &claim.TxRefs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal claim tx refs: %w", err)
			}
		}
		rec.Claim = claim
	}

	return rec, nil
}

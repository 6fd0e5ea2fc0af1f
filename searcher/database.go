package searcher

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrProfileNotFound = errors.New("validator profile not found")

// DBBundleOutcome is one landed/failed bundle fact.
type DBBundleOutcome struct {
	Opportunity []byte         `db:"opportunity"`
	Landed      bool           `db:"landed"`
	Reason      sql.NullString `db:"reason"`
	Validator   sql.NullString `db:"validator"`
	Profit      float64        `db:"profit"`
	BlockNumber int64          `db:"block_number"`
	ObservedAt  time.Time      `db:"observed_at"`
	InsertedAt  time.Time      `db:"inserted_at"`
}

var insertOutcomeQuery = `
INSERT INTO bundle_outcome (opportunity, landed, reason, validator, profit, block_number, observed_at)
VALUES (:opportunity, :landed, :reason, :validator, :profit, :block_number, :observed_at)
ON CONFLICT (opportunity, block_number) DO NOTHING`

var upsertProfileQuery = `
INSERT INTO validator_mev_profile (validator, bundles_landed, bundles_failed, total_profit, updated_at)
VALUES (:validator, :bundles_landed, :bundles_failed, :total_profit, :updated_at)
ON CONFLICT (validator) DO
UPDATE SET bundles_landed = validator_mev_profile.bundles_landed + :bundles_landed,
           bundles_failed = validator_mev_profile.bundles_failed + :bundles_failed,
           total_profit = validator_mev_profile.total_profit + :total_profit,
           updated_at = :updated_at`

var getProfileQuery = `
SELECT validator, bundles_landed, bundles_failed, total_profit, updated_at
FROM validator_mev_profile
WHERE validator = $1`

// AttributionStore is the persistence collaborator adapter. The pipeline
// only emits facts into it, the aggregates belong to the attribution side.
type AttributionStore struct {
	db *sqlx.DB

	insertOutcome *sqlx.NamedStmt
	upsertProfile *sqlx.NamedStmt
	getProfile    *sqlx.Stmt
}

func NewAttributionStore(postgresDSN string) (*AttributionStore, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	insertOutcome, err := db.PrepareNamed(insertOutcomeQuery)
	if err != nil {
		return nil, err
	}
	upsertProfile, err := db.PrepareNamed(upsertProfileQuery)
	if err != nil {
		return nil, err
	}
	getProfile, err := db.Preparex(getProfileQuery)
	if err != nil {
		return nil, err
	}

	return &AttributionStore{
		db:            db,
		insertOutcome: insertOutcome,
		upsertProfile: upsertProfile,
		getProfile:    getProfile,
	}, nil
}

// InsertBundleOutcome stores one outcome fact. Re-delivery of the same
// outcome is a no-op.
func (s *AttributionStore) InsertBundleOutcome(ctx context.Context, outcome BundleOutcome) error {
	row := DBBundleOutcome{
		Opportunity: outcome.Opportunity.Bytes(),
		Landed:      outcome.Landed,
		Reason:      sql.NullString{String: outcome.Reason, Valid: outcome.Reason != ""},
		Validator:   sql.NullString{String: outcome.Validator, Valid: outcome.Validator != ""},
		Profit:      outcome.Profit,
		BlockNumber: int64(outcome.BlockNumber),
		ObservedAt:  outcome.ObservedAt,
	}
	_, err := s.insertOutcome.ExecContext(ctx, row)
	return err
}

// UpdateValidatorProfile folds one outcome into the validator aggregate.
func (s *AttributionStore) UpdateValidatorProfile(ctx context.Context, outcome BundleOutcome) error {
	if outcome.Validator == "" {
		return nil
	}
	profile := ValidatorMevProfile{
		Validator: outcome.Validator,
		UpdatedAt: time.Now(),
	}
	if outcome.Landed {
		profile.BundlesLanded = 1
		profile.TotalProfit = outcome.Profit
	} else {
		profile.BundlesFailed = 1
	}
	_, err := s.upsertProfile.ExecContext(ctx, profile)
	return err
}

func (s *AttributionStore) GetValidatorProfile(ctx context.Context, validator string) (*ValidatorMevProfile, error) {
	var profile ValidatorMevProfile
	err := s.getProfile.GetContext(ctx, &profile, validator)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	} else if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (s *AttributionStore) Close() error {
	return s.db.Close()
}

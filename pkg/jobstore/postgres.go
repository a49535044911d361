package jobstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/speedrun-hq/speedrun-rfq/pkg/models"
)

// Schema creates the job and maker tables
const Schema = `
CREATE TABLE IF NOT EXISTS rfqm_jobs (
	id                             TEXT PRIMARY KEY,
	kind                           TEXT NOT NULL,
	chain_id                       INTEGER NOT NULL,
	status                         TEXT NOT NULL,
	expiry                         TIMESTAMPTZ NOT NULL,
	fee                            JSONB NOT NULL,
	"order"                        JSONB NOT NULL,
	maker_uri                      TEXT NOT NULL DEFAULT '',
	is_last_look                   BOOLEAN NOT NULL DEFAULT FALSE,
	integrator_id                  TEXT NOT NULL DEFAULT '',
	affiliate_address              TEXT NOT NULL DEFAULT '',
	taker_address                  TEXT NOT NULL,
	taker_token                    TEXT NOT NULL,
	taker_amount                   NUMERIC NOT NULL DEFAULT 0,
	taker_specified_side           TEXT NOT NULL DEFAULT '',
	is_unwrap                      BOOLEAN NOT NULL DEFAULT FALSE,
	taker_signature                JSONB,
	maker_signature                JSONB,
	worker_address                 TEXT,
	claimed_at                     TIMESTAMPTZ,
	last_look_result               BOOLEAN,
	ll_reject_price_difference_bps INTEGER,
	nonce                          BIGINT,
	gas_limit                      BIGINT,
	gas_price                      NUMERIC,
	tx_hashes                      TEXT[] NOT NULL DEFAULT '{}',
	gas_bumps                      INTEGER NOT NULL DEFAULT 0,
	submitted_at                   TIMESTAMPTZ,
	failure_reason                 TEXT NOT NULL DEFAULT '',
	created_at                     TIMESTAMPTZ NOT NULL,
	updated_at                     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rfqm_jobs_taker_idx ON rfqm_jobs (taker_address, taker_token) WHERE status IN ('pending_enqueued', 'pending_processing', 'submitted_to_chain');
CREATE INDEX IF NOT EXISTS rfqm_jobs_worker_idx ON rfqm_jobs (worker_address) WHERE status IN ('pending_enqueued', 'pending_processing', 'submitted_to_chain');

CREATE TABLE IF NOT EXISTS rfq_makers (
	maker_id  TEXT PRIMARY KEY,
	uri       TEXT NOT NULL,
	chain_id  INTEGER NOT NULL,
	last_look BOOLEAN NOT NULL DEFAULT FALSE,
	api_key   TEXT,
	pairs     TEXT[] NOT NULL DEFAULT '{}'
);
ALTER TABLE rfq_makers ADD COLUMN IF NOT EXISTS timeout_ms INTEGER;
`

const jobColumns = `id, kind, chain_id, status, expiry, fee, "order", maker_uri, is_last_look, integrator_id,
	affiliate_address, taker_address, taker_token, taker_amount, taker_specified_side, is_unwrap,
	taker_signature, maker_signature, worker_address, claimed_at, last_look_result,
	ll_reject_price_difference_bps, nonce, gas_limit, gas_price, tx_hashes, gas_bumps, submitted_at,
	failure_reason, created_at, updated_at`

type jobRow struct {
	ID                         string         `db:"id"`
	Kind                       string         `db:"kind"`
	ChainID                    int            `db:"chain_id"`
	Status                     string         `db:"status"`
	Expiry                     time.Time      `db:"expiry"`
	Fee                        []byte         `db:"fee"`
	Order                      []byte         `db:"order"`
	MakerURI                   string         `db:"maker_uri"`
	IsLastLook                 bool           `db:"is_last_look"`
	IntegratorID               string         `db:"integrator_id"`
	AffiliateAddress           string         `db:"affiliate_address"`
	TakerAddress               string         `db:"taker_address"`
	TakerToken                 string         `db:"taker_token"`
	TakerAmount                string         `db:"taker_amount"`
	TakerSpecifiedSide         string         `db:"taker_specified_side"`
	IsUnwrap                   bool           `db:"is_unwrap"`
	TakerSignature             nullJSON       `db:"taker_signature"`
	MakerSignature             nullJSON       `db:"maker_signature"`
	WorkerAddress              sql.NullString `db:"worker_address"`
	ClaimedAt                  sql.NullTime   `db:"claimed_at"`
	LastLookResult             sql.NullBool   `db:"last_look_result"`
	LLRejectPriceDifferenceBps sql.NullInt64  `db:"ll_reject_price_difference_bps"`
	Nonce                      sql.NullInt64  `db:"nonce"`
	GasLimit                   sql.NullInt64  `db:"gas_limit"`
	GasPrice                   sql.NullString `db:"gas_price"`
	TxHashes                   pq.StringArray `db:"tx_hashes"`
	GasBumps                   int            `db:"gas_bumps"`
	SubmittedAt                sql.NullTime   `db:"submitted_at"`
	FailureReason              string         `db:"failure_reason"`
	CreatedAt                  time.Time      `db:"created_at"`
	UpdatedAt                  time.Time      `db:"updated_at"`
}

// PostgresStore keeps jobs in the rfqm_jobs table
type PostgresStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Connect opens and pings a Postgres database
func Connect(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate creates the tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	row, err := toRow(job)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `INSERT INTO rfqm_jobs (`+jobColumns+`) VALUES (
		:id, :kind, :chain_id, :status, :expiry, :fee, :order, :maker_uri, :is_last_look, :integrator_id,
		:affiliate_address, :taker_address, :taker_token, :taker_amount, :taker_specified_side, :is_unwrap,
		:taker_signature, :maker_signature, :worker_address, :claimed_at, :last_look_result,
		:ll_reject_price_difference_bps, :nonce, :gas_limit, :gas_price, :tx_hashes, :gas_bumps, :submitted_at,
		:failure_reason, :created_at, :updated_at)`, row)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if err != nil {
		return models.NewTransientError("postgres", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.get(ctx, s.db, id, false)
}

func (s *PostgresStore) get(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM rfqm_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row jobRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, models.NewTransientError("postgres", err)
	}
	return fromRow(&row)
}

// Claim is a conditional update on the status column, so concurrent claims
// serialize on the row lock and only the first sees pending_enqueued.
func (s *PostgresStore) Claim(ctx context.Context, id string, worker common.Address, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rfqm_jobs SET status = $1, worker_address = $2, claimed_at = $3, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		string(models.StatusPendingProcessing), worker.Hex(), now.UTC(), id, string(models.StatusPendingEnqueued))
	if err != nil {
		return false, models.NewTransientError("postgres", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, models.NewTransientError("postgres", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.JobStatus, update models.JobUpdate) (*models.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, models.NewTransientError("postgres", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := s.get(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if err := job.Apply(status, update, s.now().UTC()); err != nil {
		return nil, err
	}
	row, err := toRow(job)
	if err != nil {
		return nil, err
	}

	_, err = tx.NamedExecContext(ctx, `UPDATE rfqm_jobs SET
		status = :status, taker_signature = :taker_signature, maker_signature = :maker_signature,
		worker_address = :worker_address, claimed_at = :claimed_at, last_look_result = :last_look_result,
		ll_reject_price_difference_bps = :ll_reject_price_difference_bps, nonce = :nonce, gas_limit = :gas_limit,
		gas_price = :gas_price, tx_hashes = :tx_hashes, gas_bumps = :gas_bumps, submitted_at = :submitted_at,
		failure_reason = :failure_reason, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return nil, models.NewTransientError("postgres", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, models.NewTransientError("postgres", err)
	}
	return job, nil
}

func (s *PostgresStore) FindPendingByTakerToken(ctx context.Context, taker, token common.Address) ([]*models.Job, error) {
	return s.find(ctx, `taker_address = $1 AND taker_token = $2 AND expiry > $3`, taker.Hex(), token.Hex(), time.Now().UTC())
}

func (s *PostgresStore) FindUnresolvedByWorker(ctx context.Context, worker common.Address) ([]*models.Job, error) {
	return s.find(ctx, `worker_address = $1`, worker.Hex())
}

func (s *PostgresStore) find(ctx context.Context, where string, args ...interface{}) ([]*models.Job, error) {
	args = append(args, pq.Array(statusStrings(models.NonTerminalStatuses)))
	query := fmt.Sprintf(`SELECT %s FROM rfqm_jobs WHERE %s AND status = ANY($%d) ORDER BY created_at`, jobColumns, where, len(args))

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, models.NewTransientError("postgres", err)
	}
	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		job, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func toRow(job *models.Job) (*jobRow, error) {
	fee, err := json.Marshal(job.Fee)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fee: %w", err)
	}
	order, err := json.Marshal(job.Order)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	row := &jobRow{
		ID:                 job.ID,
		Kind:               string(job.Kind),
		ChainID:            job.ChainID,
		Status:             string(job.Status),
		Expiry:             job.Expiry.UTC(),
		Fee:                fee,
		Order:              order,
		MakerURI:           job.MakerURI,
		IsLastLook:         job.IsLastLook,
		IntegratorID:       job.IntegratorID,
		AffiliateAddress:   addressString(job.AffiliateAddress),
		TakerAddress:       job.TakerAddress.Hex(),
		TakerToken:         job.TakerToken.Hex(),
		TakerAmount:        "0",
		TakerSpecifiedSide: string(job.TakerSpecifiedSide),
		IsUnwrap:           job.IsUnwrap,
		TxHashes:           pq.StringArray{},
		FailureReason:      job.FailureReason,
		CreatedAt:          job.CreatedAt.UTC(),
		UpdatedAt:          job.UpdatedAt.UTC(),
	}
	if job.TakerAmount != nil {
		row.TakerAmount = job.TakerAmount.String()
	}
	if row.TakerSignature, err = nullableJSON(job.TakerSignature); err != nil {
		return nil, err
	}
	if row.MakerSignature, err = nullableJSON(job.MakerSignature); err != nil {
		return nil, err
	}
	if job.Lease != nil {
		row.WorkerAddress = sql.NullString{String: job.Lease.Worker.Hex(), Valid: true}
		row.ClaimedAt = sql.NullTime{Time: job.Lease.ClaimedAt.UTC(), Valid: true}
	}
	if job.LastLookResult != nil {
		row.LastLookResult = sql.NullBool{Bool: *job.LastLookResult, Valid: true}
	}
	if job.LLRejectPriceDifferenceBps != nil {
		row.LLRejectPriceDifferenceBps = sql.NullInt64{Int64: int64(*job.LLRejectPriceDifferenceBps), Valid: true}
	}
	if sub := job.Submission; sub != nil {
		row.Nonce = sql.NullInt64{Int64: int64(sub.Nonce), Valid: true}
		row.GasLimit = sql.NullInt64{Int64: int64(sub.GasLimit), Valid: true}
		if sub.GasPrice != nil {
			row.GasPrice = sql.NullString{String: sub.GasPrice.String(), Valid: true}
		}
		for _, h := range sub.TxHashes {
			row.TxHashes = append(row.TxHashes, h.Hex())
		}
		row.GasBumps = sub.Bumps
		row.SubmittedAt = sql.NullTime{Time: sub.SubmittedAt.UTC(), Valid: !sub.SubmittedAt.IsZero()}
	}
	return row, nil
}

func fromRow(row *jobRow) (*models.Job, error) {
	kind := models.JobKind(row.Kind)
	order, err := models.DecodeOrder(kind, row.Order)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", row.ID, err)
	}
	var fee models.Fee
	if err := json.Unmarshal(row.Fee, &fee); err != nil {
		return nil, fmt.Errorf("job %s: failed to decode fee: %w", row.ID, err)
	}

	job := &models.Job{
		ID:                 row.ID,
		Kind:               kind,
		ChainID:            row.ChainID,
		Status:             models.JobStatus(row.Status),
		Expiry:             row.Expiry,
		Fee:                fee,
		Order:              order,
		MakerURI:           row.MakerURI,
		IsLastLook:         row.IsLastLook,
		IntegratorID:       row.IntegratorID,
		TakerAddress:       common.HexToAddress(row.TakerAddress),
		TakerToken:         common.HexToAddress(row.TakerToken),
		TakerSpecifiedSide: models.Side(row.TakerSpecifiedSide),
		IsUnwrap:           row.IsUnwrap,
		FailureReason:      row.FailureReason,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.AffiliateAddress != "" {
		job.AffiliateAddress = common.HexToAddress(row.AffiliateAddress)
	}
	if amount, ok := new(big.Int).SetString(row.TakerAmount, 10); ok {
		job.TakerAmount = amount
	}
	if job.TakerSignature, err = decodeSignature(row.TakerSignature); err != nil {
		return nil, fmt.Errorf("job %s: %w", row.ID, err)
	}
	if job.MakerSignature, err = decodeSignature(row.MakerSignature); err != nil {
		return nil, fmt.Errorf("job %s: %w", row.ID, err)
	}
	if row.WorkerAddress.Valid {
		job.Lease = &models.Lease{Worker: common.HexToAddress(row.WorkerAddress.String), ClaimedAt: row.ClaimedAt.Time}
	}
	if row.LastLookResult.Valid {
		v := row.LastLookResult.Bool
		job.LastLookResult = &v
	}
	if row.LLRejectPriceDifferenceBps.Valid {
		v := int(row.LLRejectPriceDifferenceBps.Int64)
		job.LLRejectPriceDifferenceBps = &v
	}
	if row.Nonce.Valid {
		sub := &models.Submission{
			Nonce:       uint64(row.Nonce.Int64),
			GasLimit:    uint64(row.GasLimit.Int64),
			Bumps:       row.GasBumps,
			SubmittedAt: row.SubmittedAt.Time,
		}
		if row.GasPrice.Valid {
			if price, ok := new(big.Int).SetString(row.GasPrice.String, 10); ok {
				sub.GasPrice = price
			}
		}
		for _, h := range row.TxHashes {
			sub.TxHashes = append(sub.TxHashes, common.HexToHash(h))
		}
		job.Submission = sub
	}
	return job, nil
}

// nullJSON is a JSONB column where an empty value is NULL
type nullJSON []byte

func (j nullJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *nullJSON) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = nullJSON(v)
	default:
		return fmt.Errorf("cannot scan %T into a JSON column", src)
	}
	return nil
}

func nullableJSON(sig *models.Signature) (nullJSON, error) {
	if sig == nil {
		return nil, nil
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signature: %w", err)
	}
	return data, nil
}

func decodeSignature(data []byte) (*models.Signature, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var sig models.Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}
	return &sig, nil
}

func addressString(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

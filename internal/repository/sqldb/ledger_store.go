package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"vote-service/internal/ledger"
	"vote-service/internal/models"
	"vote-service/internal/util"
)

const (
	consumeTokenSQL = `
		INSERT INTO consumed_tokens (token_id, identity_key, project_id, consumed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (token_id) DO NOTHING`

	insertVoteSQL = `
		INSERT INTO votes (vote_id, identity_key, project_id, session_id, cast_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identity_key, project_id) DO NOTHING`

	bumpTallySQL = `
		INSERT INTO project_tallies (project_id, vote_count, version, updated_at)
		VALUES (?, 1, 1, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			vote_count = project_tallies.vote_count + 1,
			version = project_tallies.version + 1,
			updated_at = excluded.updated_at
		RETURNING vote_count, version`

	setTallySQL = `
		INSERT INTO project_tallies (project_id, vote_count, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			vote_count = excluded.vote_count,
			version = project_tallies.version + 1,
			updated_at = excluded.updated_at`

	listTalliesSQL = `
		SELECT project_id, vote_count, version, updated_at
		FROM project_tallies ORDER BY project_id`

	getTallySQL = `
		SELECT project_id, vote_count, version, updated_at
		FROM project_tallies WHERE project_id = ?`

	countVotesSQL = `
		SELECT project_id, COUNT(*) FROM votes GROUP BY project_id`
)

// LedgerStore is the ledger.Store on database/sql.
type LedgerStore struct {
	db     *sql.DB
	driver string
}

func NewLedgerStore(db *sql.DB, driver string) *LedgerStore {
	return &LedgerStore{db: db, driver: driver}
}

func (s *LedgerStore) q(query string) string {
	return rebind(s.driver, query)
}

func (s *LedgerStore) CastVote(ctx context.Context, vote models.Vote) (models.ProjectTally, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ProjectTally{}, fmt.Errorf("failed to begin vote transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(consumeTokenSQL), vote.SessionID, vote.IdentityKey, vote.ProjectID, vote.CastAt)
	if err != nil {
		return models.ProjectTally{}, fmt.Errorf("failed to consume token: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.ProjectTally{}, err
	} else if n == 0 {
		return models.ProjectTally{}, ledger.ErrTokenAlreadyConsumed
	}

	res, err = tx.ExecContext(ctx, s.q(insertVoteSQL),
		vote.VoteID, vote.IdentityKey, vote.ProjectID, vote.SessionID, vote.CastAt)
	if err != nil {
		return models.ProjectTally{}, fmt.Errorf("failed to insert vote: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.ProjectTally{}, err
	} else if n == 0 {
		// the token is spent even though the vote is not counted
		if err := tx.Commit(); err != nil {
			return models.ProjectTally{}, fmt.Errorf("failed to commit consumed token: %w", err)
		}
		return models.ProjectTally{}, ledger.ErrDuplicateVote
	}

	tally := models.ProjectTally{ProjectID: vote.ProjectID, UpdatedAt: vote.CastAt}
	if err := tx.QueryRowContext(ctx, s.q(bumpTallySQL), vote.ProjectID, vote.CastAt).
		Scan(&tally.VoteCount, &tally.Version); err != nil {
		return models.ProjectTally{}, fmt.Errorf("failed to bump tally: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.ProjectTally{}, fmt.Errorf("failed to commit vote: %w", err)
	}

	util.Debug("Vote recorded",
		zap.String("project_id", vote.ProjectID),
		zap.Int64("vote_count", tally.VoteCount),
		zap.Int64("version", tally.Version))
	return tally, nil
}

func (s *LedgerStore) Tallies(ctx context.Context) ([]models.ProjectTally, error) {
	rows, err := s.db.QueryContext(ctx, listTalliesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list tallies: %w", err)
	}
	defer rows.Close()

	tallies := []models.ProjectTally{}
	for rows.Next() {
		var t models.ProjectTally
		if err := rows.Scan(&t.ProjectID, &t.VoteCount, &t.Version, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tally: %w", err)
		}
		tallies = append(tallies, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tallies: %w", err)
	}
	return tallies, nil
}

// Tally reports a project nobody has voted for as zero at version 0.
func (s *LedgerStore) Tally(ctx context.Context, projectID string) (models.ProjectTally, error) {
	t := models.ProjectTally{ProjectID: projectID}
	err := s.db.QueryRowContext(ctx, s.q(getTallySQL), projectID).
		Scan(&t.ProjectID, &t.VoteCount, &t.Version, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return models.ProjectTally{}, fmt.Errorf("failed to get tally: %w", err)
	}
	return t, nil
}

// Reconcile makes every stored tally equal to its vote row count. Repaired
// tallies get a new version so subscribers pick the correction up.
func (s *LedgerStore) Reconcile(ctx context.Context, now time.Time) ([]models.Drift, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconcile: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counted, err := scanCounts(ctx, tx, countVotesSQL)
	if err != nil {
		return nil, err
	}
	stored, err := scanCounts(ctx, tx, `SELECT project_id, vote_count FROM project_tallies`)
	if err != nil {
		return nil, err
	}

	var drifts []models.Drift
	for project, want := range counted {
		if have, ok := stored[project]; !ok || have != want {
			drifts = append(drifts, models.Drift{ProjectID: project, Stored: have, Counted: want})
		}
	}
	for project, have := range stored {
		if _, ok := counted[project]; !ok && have != 0 {
			drifts = append(drifts, models.Drift{ProjectID: project, Stored: have})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].ProjectID < drifts[j].ProjectID })

	for _, d := range drifts {
		if _, err := tx.ExecContext(ctx, s.q(setTallySQL), d.ProjectID, d.Counted, now); err != nil {
			return nil, fmt.Errorf("failed to repair tally for %s: %w", d.ProjectID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconcile: %w", err)
	}
	return drifts, nil
}

func scanCounts(ctx context.Context, tx *sql.Tx, query string) (map[string]int64, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			project string
			n       int64
		)
		if err := rows.Scan(&project, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[project] = n
	}
	return counts, rows.Err()
}
